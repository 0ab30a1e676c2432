package clients

import (
	"context"
	"net/http"
	"net/url"

	"github.com/cuemby/bos/pkg/types"
)

// TenantClient talks to the Tenant Management Service.
type TenantClient struct {
	baseClient
}

// NewTenantClient creates a tenant service client rooted at baseURL.
func NewTenantClient(baseURL string, sizeCap int64) *TenantClient {
	return &TenantClient{baseClient: newBaseClient("tapms", baseURL, sizeCap)}
}

type tenantResponse struct {
	Name      string `json:"name"`
	Resources []struct {
		XNames []string `json:"xnames"`
	} `json:"resources"`
}

// OwnedNodes returns the set of node ids a tenant owns. The empty tenant
// owns everything; callers skip the lookup in that case.
func (c *TenantClient) OwnedNodes(ctx context.Context, opts types.Options, tenant string) (map[string]bool, error) {
	if tenant == "" {
		return nil, nil
	}

	var resp tenantResponse
	path := "/tenants/" + url.PathEscape(tenant)
	if err := c.doJSON(ctx, http.MethodGet, path, opts.ReadTimeout("hsm"), nil, &resp); err != nil {
		return nil, err
	}

	owned := make(map[string]bool)
	for _, res := range resp.Resources {
		for _, xname := range res.XNames {
			owned[xname] = true
		}
	}
	return owned, nil
}
