package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuemby/bos/pkg/types"
)

// SBPSProjectTag marks an image as served by the Scalable Boot Provisioning
// Service. The session-setup operator applies it when a boot set's rootfs
// provider is SBPS.
const SBPSProjectTag = "sbps-project"

// RootfsProviderSBPS is the rootfs provider value that triggers image
// tagging.
const RootfsProviderSBPS = "sbps"

// ErrImageNotFound is returned when IMS does not know the referenced image.
var ErrImageNotFound = errors.New("image not found")

// Image is an IMS image record.
type Image struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Arch string `json:"arch"`
	Link struct {
		Path string `json:"path"`
		Etag string `json:"etag"`
	} `json:"link"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IMSClient talks to the Image Management Service.
type IMSClient struct {
	baseClient
}

// NewIMSClient creates an IMS client rooted at baseURL.
func NewIMSClient(baseURL string, sizeCap int64) *IMSClient {
	return &IMSClient{baseClient: newBaseClient("ims", baseURL, sizeCap)}
}

// GetImage fetches one image record. Returns ErrImageNotFound on 404 so
// callers can distinguish a missing image from a service failure.
func (c *IMSClient) GetImage(ctx context.Context, opts types.Options, imageID string) (*Image, error) {
	var img Image
	path := "/images/" + url.PathEscape(imageID)
	err := c.doJSON(ctx, http.MethodGet, path, opts.ReadTimeout("ims"), nil, &img)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", imageID, ErrImageNotFound)
		}
		return nil, err
	}
	return &img, nil
}

// TagImage sets a metadata key on an image. Re-applying the same tag is a
// no-op on the IMS side.
func (c *IMSClient) TagImage(ctx context.Context, opts types.Options, imageID, key, value string) error {
	req := struct {
		Metadata map[string]string `json:"metadata"`
	}{Metadata: map[string]string{key: value}}
	path := "/images/" + url.PathEscape(imageID)
	return c.doJSON(ctx, http.MethodPatch, path, opts.ReadTimeout("ims"), req, nil)
}

// ImageIDFromPath extracts the image id from a boot-set manifest path of the
// form s3://boot-images/<id>/manifest.json. Returns "" when the path does
// not reference an IMS-managed image.
func ImageIDFromPath(path string) string {
	trimmed, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "manifest.json" {
		return ""
	}
	return parts[len(parts)-2]
}
