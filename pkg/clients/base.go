package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/metrics"
)

// transientRetries bounds retry attempts inside one logical call. The
// operators provide the outer retry budget; this layer only smooths over
// short network blips and 5xx bursts.
const transientRetries = 3

// APIError is a non-2xx response from an external service.
type APIError struct {
	Service string
	Status  int
	Body    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Service, e.Status, e.Body)
}

// Transient reports whether the error is worth retrying: network failures
// and 5xx responses are, 4xx responses are not.
func (e *APIError) Transient() bool {
	return e.Status >= 500
}

// ErrResponseTooLarge is returned when a response body exceeds the
// configured size cap before decoding.
var ErrResponseTooLarge = errors.New("response exceeds size limit")

// ComponentError is a per-id failure embedded in a batch response. The
// operators record these on the component rather than failing the batch.
type ComponentError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (e ComponentError) Error() string {
	return fmt.Sprintf("%s: %s", e.ID, e.Message)
}

// Batches splits ids into slices of at most size. An empty input yields no
// batches, so callers iterating the result never issue empty external calls.
func Batches(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		out = append(out, ids[start:min(start+size, len(ids))])
	}
	return out
}

// baseClient carries what every service wrapper shares: the HTTP client,
// base URL, response size cap, retry, and call metrics.
type baseClient struct {
	service  string
	baseURL  string
	client   *http.Client
	sizeCap  int64
	logger   zerolog.Logger
}

func newBaseClient(service, baseURL string, sizeCap int64) baseClient {
	if sizeCap <= 0 {
		sizeCap = 8 << 20
	}
	return baseClient{
		service: service,
		baseURL: baseURL,
		client:  &http.Client{},
		sizeCap: sizeCap,
		logger:  log.WithComponent("client-" + service),
	}
}

// doJSON performs one HTTP exchange with per-call timeout, capped-exponential
// retry on transient failures, and a length-gated decode of the response
// into out (which may be nil).
func (c *baseClient) doJSON(ctx context.Context, method, path string, timeout time.Duration, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", c.service, err)
		}
	}

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		timer := metrics.NewTimer()
		resp, err := c.client.Do(req)
		timer.ObserveDurationVec(metrics.ExternalCallDuration, c.service)
		if err != nil {
			// Do not retry past the caller's deadline.
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, c.sizeCap+1))
		if err != nil {
			return err
		}
		if int64(len(data)) > c.sizeCap {
			return backoff.Permanent(fmt.Errorf("%s %s: %w (cap %d bytes)", c.service, path, ErrResponseTooLarge, c.sizeCap))
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &APIError{Service: c.service, Status: resp.StatusCode, Body: truncate(string(data), 256)}
			if apiErr.Transient() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("%s %s: decoding response: %w", c.service, path, err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transientRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		metrics.ExternalCallErrorsTotal.WithLabelValues(c.service).Inc()
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("External call failed")
		return err
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
