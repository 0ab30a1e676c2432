package clients

import (
	"context"
	"net/http"

	"github.com/cuemby/bos/pkg/types"
)

// BootParameters is what BSS hands a node at network-boot time. The referral
// token ties the boot back to the desired state that produced it.
type BootParameters struct {
	Hosts   []string `json:"hosts"`
	Kernel  string   `json:"kernel"`
	Initrd  string   `json:"initrd"`
	Params  string   `json:"params"`
	Referral string  `json:"bos_referral_token,omitempty"`
}

// BSSClient talks to the Boot Script Service.
type BSSClient struct {
	baseClient
}

// NewBSSClient creates a BSS client rooted at baseURL.
func NewBSSClient(baseURL string, sizeCap int64) *BSSClient {
	return &BSSClient{baseClient: newBaseClient("bss", baseURL, sizeCap)}
}

// PutBootParameters registers boot parameters for the given hosts. BSS
// replaces any prior registration for the same hosts, so retries are safe.
func (c *BSSClient) PutBootParameters(ctx context.Context, opts types.Options, params BootParameters) error {
	if len(params.Hosts) == 0 {
		return nil
	}

	for _, batch := range Batches(params.Hosts, opts.BatchSize()) {
		batched := params
		batched.Hosts = batch
		if err := c.doJSON(ctx, http.MethodPut, "/bootparameters", opts.ReadTimeout("bss"), batched, nil); err != nil {
			return err
		}
	}
	return nil
}
