package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bos/pkg/clients"
	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/options"
	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type fakeIMS struct {
	images map[string]*clients.Image
}

func (f *fakeIMS) GetImage(ctx context.Context, opts types.Options, imageID string) (*clients.Image, error) {
	if img, ok := f.images[imageID]; ok {
		return img, nil
	}
	return nil, clients.ErrImageNotFound
}

func (f *fakeIMS) TagImage(ctx context.Context, opts types.Options, imageID, key, value string) error {
	return nil
}

type harness struct {
	server *Server
	store  storage.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, options.EnsureExists(context.Background(), store))

	server := NewServer(Config{
		Store:   store,
		Options: options.NewProvider(store),
		IMS:     &fakeIMS{images: map[string]*clients.Image{"img": {ID: "img"}}},
		Version: "test",
	})
	return &harness{server: server, store: store}
}

// do performs one request against the router and decodes the JSON response
// into out (when non-nil).
func (h *harness) do(t *testing.T, method, path, tenant string, body, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func validTemplate(name string) types.SessionTemplate {
	return types.SessionTemplate{
		Name: name,
		BootSets: map[string]types.BootSet{
			"compute": {
				Name:     "compute",
				NodeList: []string{"x1", "x2"},
				Arch:     types.ArchX86,
				Path:     "s3://boot-images/img/manifest.json",
				Kernel:   "s3://boot-images/img/kernel",
				Initrd:   "s3://boot-images/img/initrd",
			},
		},
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	h := newHarness(t)
	template := validTemplate("T")

	rec := h.do(t, http.MethodPost, "/v2/sessiontemplates", "", template, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got types.SessionTemplate
	rec = h.do(t, http.MethodGet, "/v2/sessiontemplates/T", "", nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)

	// POST then GET yields the same canonicalized document.
	want, err := json.Marshal(template)
	require.NoError(t, err)
	have, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(have))
}

func TestTemplateValidation(t *testing.T) {
	h := newHarness(t)

	// No selectors.
	bad := validTemplate("T")
	bs := bad.BootSets["compute"]
	bs.NodeList = nil
	bad.BootSets["compute"] = bs
	rec := h.do(t, http.MethodPost, "/v2/sessiontemplates", "", bad, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Boot set name differing from its key.
	bad = validTemplate("T")
	bs = bad.BootSets["compute"]
	bs.Name = "other"
	bad.BootSets["compute"] = bs
	rec = h.do(t, http.MethodPost, "/v2/sessiontemplates", "", bad, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown architecture.
	bad = validTemplate("T")
	bs = bad.BootSets["compute"]
	bs.Arch = "sparc"
	bad.BootSets["compute"] = bs
	rec = h.do(t, http.MethodPost, "/v2/sessiontemplates", "", bad, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Bad name.
	bad = validTemplate("bad name!")
	rec = h.do(t, http.MethodPost, "/v2/sessiontemplates", "", bad, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTemplateValidateEndpoint(t *testing.T) {
	h := newHarness(t)

	template := validTemplate("T")
	bs := template.BootSets["compute"]
	bs.Path = "s3://boot-images/missing/manifest.json"
	template.BootSets["compute"] = bs

	rec := h.do(t, http.MethodPost, "/v2/sessiontemplates", "", template, nil)
	require.Equal(t, http.StatusCreated, rec.Code, "missing image is a warning by default")

	var report ValidationReport
	rec = h.do(t, http.MethodPost, "/v2/sessiontemplates/T/validate", "", nil, &report)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, report.Valid)
	assert.NotEmpty(t, report.Warnings)
}

func TestSessionCreateValidation(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v2/sessiontemplates", "", validTemplate("T"), nil)

	// Unknown operation.
	rec := h.do(t, http.MethodPost, "/v2/sessions", "",
		map[string]any{"template_name": "T", "operation": "explode"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing template.
	rec = h.do(t, http.MethodPost, "/v2/sessions", "",
		map[string]any{"template_name": "ghost", "operation": "boot"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Happy path; the name is generated.
	var sess types.Session
	rec = h.do(t, http.MethodPost, "/v2/sessions", "",
		map[string]any{"template_name": "T", "operation": "boot"}, &sess)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, sess.Name)
	assert.Equal(t, types.SessionPending, sess.Status.Status)
}

func TestSessionLimitRequired(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v2/sessiontemplates", "", validTemplate("T"), nil)

	rec := h.do(t, http.MethodPatch, "/v2/options", "",
		map[string]any{"session_limit_required": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/v2/sessions", "",
		map[string]any{"template_name": "T", "operation": "boot"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v2/sessions", "",
		map[string]any{"template_name": "T", "operation": "boot", "limit": "*"}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSessionStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, storage.PutRecord(ctx, h.store, storage.KindSessions, storage.Key("", "S"),
		types.Session{Name: "S", Operation: types.OperationBoot,
			Status: types.SessionStatus{Status: types.SessionRunning}}))

	artifacts := types.BootArtifacts{Kernel: "k"}
	require.NoError(t, storage.PutRecord(ctx, h.store, storage.KindComponents, storage.Key("", "x1"),
		types.Component{ID: "x1", Enabled: true, Session: "S",
			DesiredState: types.DesiredState{BootArtifacts: artifacts},
			ActualState:  types.ActualState{BootArtifacts: artifacts},
			Status:       types.StatusBlock{Status: types.StatusStable}}))

	var agg types.SessionAggregate
	rec := h.do(t, http.MethodGet, "/v2/sessions/S/status", "", nil, &agg)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, agg.ManagedCount)
	assert.InDelta(t, 100.0, agg.PercentComplete, 0.01)
}

func TestComponentCRUDAndTenancy(t *testing.T) {
	h := newHarness(t)

	body := []types.Component{{ID: "n1", Enabled: true}}
	rec := h.do(t, http.MethodPost, "/v2/components", "a", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.do(t, http.MethodPost, "/v2/components", "b", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Each tenant sees only its own n1.
	var list []types.Component
	rec = h.do(t, http.MethodGet, "/v2/components", "a", nil, &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Tenant)

	// Tenant a's patch does not leak into b.
	enabled := false
	rec = h.do(t, http.MethodPatch, "/v2/components/n1", "a",
		componentPatch{Enabled: &enabled}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var comp types.Component
	rec = h.do(t, http.MethodGet, "/v2/components/n1", "b", nil, &comp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, comp.Enabled)

	// The untenanted bucket is distinct from both.
	rec = h.do(t, http.MethodGet, "/v2/components/n1", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodDelete, "/v2/components/n1", "a", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, "/v2/components/n1", "a", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkPatchSkipBadIDs(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v2/components", "", []types.Component{{ID: "good", Enabled: true}}, nil)

	enabled := false
	req := bulkPatchRequest{Patch: componentPatch{Enabled: &enabled}}
	req.Filter.IDs = "good,bogus"

	// Without the flag, unknown ids are a 400.
	rec := h.do(t, http.MethodPatch, "/v2/components", "", req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// With it, the good id is patched and the bogus one reported nowhere.
	var patched []types.Component
	rec = h.do(t, http.MethodPatch, "/v2/components?skip_bad_ids=true", "", req, &patched)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, patched, 1)
	assert.False(t, patched[0].Enabled)
}

func TestApplyStagedSinglePhase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	staged := types.StagedState{
		BootArtifacts: types.BootArtifacts{Kernel: "k2"},
		Configuration: "cfg-2",
		Session:       "S2",
	}
	require.NoError(t, storage.PutRecord(ctx, h.store, storage.KindComponents, storage.Key("", "x1"),
		types.Component{ID: "x1", Enabled: true, StagedState: staged}))
	require.NoError(t, storage.PutRecord(ctx, h.store, storage.KindComponents, storage.Key("", "x2"),
		types.Component{ID: "x2", Enabled: true}))

	var resp applyStagedResponse
	rec := h.do(t, http.MethodPost, "/v2/applystaged", "",
		map[string]any{"xnames": []string{"x1", "x2", "ghost"}}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"x1"}, resp.Succeeded)
	assert.Equal(t, []string{"x2"}, resp.Ignored)
	assert.Equal(t, []string{"ghost"}, resp.Failed)

	comp, err := storage.GetRecord[types.Component](ctx, h.store, storage.KindComponents, storage.Key("", "x1"))
	require.NoError(t, err)
	assert.Equal(t, "k2", comp.DesiredState.BootArtifacts.Kernel)
	assert.Equal(t, "cfg-2", comp.DesiredState.Configuration)
	assert.Equal(t, "S2", comp.Session)
	assert.True(t, comp.StagedState.IsZero(), "staged state clears in the same patch")
}

func TestOptionsPatch(t *testing.T) {
	h := newHarness(t)

	var opts types.Options
	rec := h.do(t, http.MethodGet, "/v2/options", "", nil, &opts)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, options.Defaults().DefaultRetryPolicy, opts.DefaultRetryPolicy)

	rec = h.do(t, http.MethodPatch, "/v2/options", "",
		map[string]any{"default_retry_policy": 7}, &opts)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, opts.DefaultRetryPolicy)

	// Unknown option names are rejected.
	rec = h.do(t, http.MethodPatch, "/v2/options", "",
		map[string]any{"no_such_option": true}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndVersion(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v2/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var version map[string]string
	rec = h.do(t, http.MethodGet, "/v2/version", "", nil, &version)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", version["version"])

	rec = h.do(t, http.MethodGet, "/", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
