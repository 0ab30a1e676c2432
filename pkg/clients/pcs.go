package clients

import (
	"context"
	"net/http"

	"github.com/cuemby/bos/pkg/types"
)

// Power states reported by PCS.
const (
	PowerOn        = "on"
	PowerOff       = "off"
	PowerUndefined = "undefined"
)

// Power transition operations accepted by PCS.
const (
	TransitionOn       = "on"
	TransitionSoftOff  = "soft-off"
	TransitionForceOff = "force-off"
)

// PCSClient talks to the Power Control Service.
type PCSClient struct {
	baseClient
}

// NewPCSClient creates a PCS client rooted at baseURL.
func NewPCSClient(baseURL string, sizeCap int64) *PCSClient {
	return &PCSClient{baseClient: newBaseClient("pcs", baseURL, sizeCap)}
}

type pcsStatusRequest struct {
	Xnames []string `json:"xname"`
}

type pcsStatusResponse struct {
	Status []struct {
		Xname      string `json:"xname"`
		PowerState string `json:"powerState"`
		Error      string `json:"error,omitempty"`
	} `json:"status"`
}

// PowerStates returns the observed power state per id. Ids absent from the
// response are simply missing from the map; callers must treat a missing
// observation as "leave prior status unchanged".
func (c *PCSClient) PowerStates(ctx context.Context, opts types.Options, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	out := make(map[string]string, len(ids))
	for _, batch := range Batches(ids, opts.BatchSize()) {
		var resp pcsStatusResponse
		err := c.doJSON(ctx, http.MethodPost, "/power-status", opts.ReadTimeout("pcs"), pcsStatusRequest{Xnames: batch}, &resp)
		if err != nil {
			return nil, err
		}
		for _, s := range resp.Status {
			if s.Error != "" {
				continue
			}
			out[s.Xname] = s.PowerState
		}
	}
	return out, nil
}

type pcsTransitionRequest struct {
	Operation string                `json:"operation"`
	Location  []pcsTransitionTarget `json:"location"`
}

type pcsTransitionTarget struct {
	Xname string `json:"xname"`
}

type pcsTransitionResponse struct {
	TransitionID string `json:"transitionID"`
	Tasks        []struct {
		Xname  string `json:"xname"`
		Status string `json:"taskStatus"`
		Error  string `json:"taskStatusDescription,omitempty"`
	} `json:"tasks"`
}

// Transition requests a power transition for ids and returns per-id failures
// embedded in the batch response. A returned ComponentError means PCS
// accepted the batch but rejected that node.
func (c *PCSClient) Transition(ctx context.Context, opts types.Options, operation string, ids []string) ([]ComponentError, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var failures []ComponentError
	for _, batch := range Batches(ids, opts.BatchSize()) {
		req := pcsTransitionRequest{Operation: operation}
		for _, id := range batch {
			req.Location = append(req.Location, pcsTransitionTarget{Xname: id})
		}

		var resp pcsTransitionResponse
		err := c.doJSON(ctx, http.MethodPost, "/transitions", opts.ReadTimeout("pcs"), req, &resp)
		if err != nil {
			return nil, err
		}
		for _, task := range resp.Tasks {
			if task.Status == "failed" {
				failures = append(failures, ComponentError{ID: task.Xname, Message: task.Error})
			}
		}
	}
	return failures, nil
}
