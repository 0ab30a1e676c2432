package clients

import (
	"context"
	"net/http"

	"github.com/cuemby/bos/pkg/types"
)

// CFS configuration states.
const (
	CFSConfigured  = "configured"
	CFSPending     = "pending"
	CFSFailed      = "failed"
	CFSUnconfigured = "unconfigured"
)

// CFSComponent is the configuration framework's view of one node.
type CFSComponent struct {
	ID                  string `json:"id"`
	DesiredConfig       string `json:"desired_config,omitempty"`
	ConfigurationStatus string `json:"configuration_status,omitempty"`
	Enabled             *bool  `json:"enabled,omitempty"`
}

// CFSClient talks to the Configuration Framework Service.
type CFSClient struct {
	baseClient
}

// NewCFSClient creates a CFS client rooted at baseURL.
func NewCFSClient(baseURL string, sizeCap int64) *CFSClient {
	return &CFSClient{baseClient: newBaseClient("cfs", baseURL, sizeCap)}
}

// SetConfigurations posts desired configuration ids for components in
// batches. CFS applies each patch independently, so a retry of the same
// batch is safe.
func (c *CFSClient) SetConfigurations(ctx context.Context, opts types.Options, patches []CFSComponent) error {
	if len(patches) == 0 {
		return nil
	}

	size := opts.BatchSize()
	if size <= 0 {
		size = len(patches)
	}
	for start := 0; start < len(patches); start += size {
		end := min(start+size, len(patches))
		if err := c.doJSON(ctx, http.MethodPatch, "/components", opts.ReadTimeout("cfs"), patches[start:end], nil); err != nil {
			return err
		}
	}
	return nil
}

type cfsComponentsResponse []CFSComponent

// GetConfigurations returns CFS state for the given ids, keyed by id. Ids
// CFS does not track are absent from the map.
func (c *CFSClient) GetConfigurations(ctx context.Context, opts types.Options, ids []string) (map[string]CFSComponent, error) {
	if len(ids) == 0 {
		return map[string]CFSComponent{}, nil
	}

	out := make(map[string]CFSComponent, len(ids))
	for _, batch := range Batches(ids, opts.BatchSize()) {
		req := struct {
			IDs []string `json:"ids"`
		}{IDs: batch}

		var resp cfsComponentsResponse
		err := c.doJSON(ctx, http.MethodPost, "/components/query", opts.ReadTimeout("cfs"), req, &resp)
		if err != nil {
			return nil, err
		}
		for _, comp := range resp {
			out[comp.ID] = comp
		}
	}
	return out, nil
}
