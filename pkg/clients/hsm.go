package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cuemby/bos/pkg/types"
)

// HSMComponent is a node as the Hardware State Manager reports it.
type HSMComponent struct {
	ID      string `json:"ID"`
	Type    string `json:"Type"`
	State   string `json:"State"`
	Role    string `json:"Role"`
	Arch    string `json:"Arch"`
	NID     int    `json:"NID,omitempty"`
	Enabled bool   `json:"Enabled"`
}

// HSMClient talks to the Hardware State Manager.
type HSMClient struct {
	baseClient
}

// NewHSMClient creates an HSM client rooted at baseURL.
func NewHSMClient(baseURL string, sizeCap int64) *HSMClient {
	return &HSMClient{baseClient: newBaseClient("hsm", baseURL, sizeCap)}
}

type hsmComponentsResponse struct {
	Components []HSMComponent `json:"Components"`
}

// ListNodes returns every node HSM knows about.
func (c *HSMClient) ListNodes(ctx context.Context, opts types.Options) ([]HSMComponent, error) {
	var resp hsmComponentsResponse
	err := c.doJSON(ctx, http.MethodGet, "/State/Components?type=Node", opts.ReadTimeout("hsm"), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Components, nil
}

// GetNodes returns HSM's view of the given ids, keyed by id. Ids HSM does
// not know are absent from the map.
func (c *HSMClient) GetNodes(ctx context.Context, opts types.Options, ids []string) (map[string]HSMComponent, error) {
	if len(ids) == 0 {
		return map[string]HSMComponent{}, nil
	}

	out := make(map[string]HSMComponent, len(ids))
	for _, batch := range Batches(ids, opts.BatchSize()) {
		req := struct {
			ComponentIDs []string `json:"ComponentIDs"`
		}{ComponentIDs: batch}

		var resp hsmComponentsResponse
		err := c.doJSON(ctx, http.MethodPost, "/State/Components/Query", opts.ReadTimeout("hsm"), req, &resp)
		if err != nil {
			return nil, err
		}
		for _, comp := range resp.Components {
			out[comp.ID] = comp
		}
	}
	return out, nil
}

type hsmGroup struct {
	Label   string `json:"label"`
	Members struct {
		IDs []string `json:"ids"`
	} `json:"members"`
}

// GroupMembers resolves a node group to its member ids.
func (c *HSMClient) GroupMembers(ctx context.Context, opts types.Options, group string) ([]string, error) {
	var resp hsmGroup
	path := "/groups/" + url.PathEscape(group)
	if err := c.doJSON(ctx, http.MethodGet, path, opts.ReadTimeout("hsm"), nil, &resp); err != nil {
		return nil, fmt.Errorf("resolving group %q: %w", group, err)
	}
	return resp.Members.IDs, nil
}

// RoleMembers resolves a role name to the ids of nodes carrying that role.
func (c *HSMClient) RoleMembers(ctx context.Context, opts types.Options, role string) ([]string, error) {
	var resp hsmComponentsResponse
	path := "/State/Components?type=Node&role=" + url.QueryEscape(role)
	if err := c.doJSON(ctx, http.MethodGet, path, opts.ReadTimeout("hsm"), nil, &resp); err != nil {
		return nil, fmt.Errorf("resolving role %q: %w", role, err)
	}
	ids := make([]string, 0, len(resp.Components))
	for _, comp := range resp.Components {
		ids = append(ids, comp.ID)
	}
	return ids, nil
}

type hsmLockStatusResponse struct {
	Components []struct {
		ID     string `json:"ID"`
		Locked bool   `json:"Locked"`
	} `json:"Components"`
}

// LockedNodes returns the subset of ids currently locked in HSM.
func (c *HSMClient) LockedNodes(ctx context.Context, opts types.Options, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	locked := make(map[string]bool)
	for _, batch := range Batches(ids, opts.BatchSize()) {
		req := struct {
			ComponentIDs []string `json:"ComponentIDs"`
		}{ComponentIDs: batch}

		var resp hsmLockStatusResponse
		err := c.doJSON(ctx, http.MethodPost, "/locks/status", opts.ReadTimeout("hsm"), req, &resp)
		if err != nil {
			return nil, err
		}
		for _, comp := range resp.Components {
			if comp.Locked {
				locked[comp.ID] = true
			}
		}
	}
	return locked, nil
}
