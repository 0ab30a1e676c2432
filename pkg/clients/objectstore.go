package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuemby/bos/pkg/types"
)

// BootManifest describes the artifacts composing a boot image.
type BootManifest struct {
	Version  string `json:"version"`
	Artifacts []ManifestArtifact `json:"artifacts"`
}

// ManifestArtifact is one entry in a boot manifest.
type ManifestArtifact struct {
	Type string `json:"type"`
	Link struct {
		Path string `json:"path"`
		Etag string `json:"etag"`
	} `json:"link"`
}

// Artifact returns the first artifact of the given type, or nil.
func (m *BootManifest) Artifact(artifactType string) *ManifestArtifact {
	for i := range m.Artifacts {
		if m.Artifacts[i].Type == artifactType {
			return &m.Artifacts[i]
		}
	}
	return nil
}

// ObjectStoreClient fetches boot manifests from the object store gateway.
type ObjectStoreClient struct {
	baseClient
}

// NewObjectStoreClient creates an object store client. baseURL is the HTTP
// gateway fronting the store; s3:// manifest paths are rewritten onto it.
func NewObjectStoreClient(baseURL string, sizeCap int64) *ObjectStoreClient {
	return &ObjectStoreClient{baseClient: newBaseClient("s3", baseURL, sizeCap)}
}

// GetManifest fetches and decodes a boot manifest. The read is length-gated:
// a manifest larger than the options cap aborts with ErrResponseTooLarge
// before any decoding happens.
func (c *ObjectStoreClient) GetManifest(ctx context.Context, opts types.Options, path string) (*BootManifest, error) {
	objectPath, err := gatewayPath(path)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.ReadTimeout("ims"))
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+objectPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Service: c.service, Status: resp.StatusCode, Body: path}
	}

	limit := opts.ManifestSizeLimit()
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("manifest %s: %w (%d > %d bytes)", path, ErrResponseTooLarge, resp.ContentLength, limit)
	}

	// Stream-decode behind a hard limit; a lying Content-Length still cannot
	// blow past the cap.
	limited := io.LimitReader(resp.Body, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("manifest %s: %w (cap %d bytes)", path, ErrResponseTooLarge, limit)
	}

	var manifest BootManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", path, err)
	}
	return &manifest, nil
}

// gatewayPath rewrites an s3://bucket/key path onto the HTTP gateway.
func gatewayPath(path string) (string, error) {
	trimmed, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		// Already a plain path on the gateway.
		if strings.HasPrefix(path, "/") {
			return path, nil
		}
		return "", fmt.Errorf("unsupported manifest path %q", path)
	}
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || key == "" {
		return "", fmt.Errorf("unsupported manifest path %q", path)
	}
	return "/" + url.PathEscape(bucket) + "/" + key, nil
}
