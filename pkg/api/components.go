package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// componentPatch is the writable surface of a component. Sub-structs are
// replaced wholesale; nil fields are left untouched.
type componentPatch struct {
	Enabled        *bool               `json:"enabled,omitempty"`
	DesiredState   *types.DesiredState `json:"desired_state,omitempty"`
	ActualState    *types.ActualState  `json:"actual_state,omitempty"`
	StagedState    *types.StagedState  `json:"staged_state,omitempty"`
	StatusOverride *string             `json:"status_override,omitempty"`
	Error          *string             `json:"error,omitempty"`
	Session        *string             `json:"session,omitempty"`
	RetryPolicy    *int                `json:"retry_policy,omitempty"`
}

func (p *componentPatch) apply(c *types.Component) {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.DesiredState != nil {
		c.DesiredState = *p.DesiredState
	}
	if p.ActualState != nil {
		c.ActualState = *p.ActualState
	}
	if p.StagedState != nil {
		c.StagedState = *p.StagedState
	}
	if p.StatusOverride != nil {
		c.Status.StatusOverride = types.ComponentStatus(*p.StatusOverride)
	}
	if p.Error != nil {
		c.Error = *p.Error
	}
	if p.Session != nil {
		c.Session = *p.Session
	}
	if p.RetryPolicy != nil {
		c.RetryPolicy = *p.RetryPolicy
	}
}

func (s *Server) listComponents(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	idFilter := splitFilter(r.URL.Query().Get("ids"))
	sessionFilter := r.URL.Query().Get("session")
	enabledFilter := r.URL.Query().Get("enabled")

	components := []types.Component{}
	err := storage.ScanRecords(r.Context(), s.store, storage.KindComponents,
		storage.TenantPrefix(tenant), 500, func(key string, comp types.Component) error {
			if len(idFilter) > 0 && !idFilter[comp.ID] {
				return nil
			}
			if sessionFilter != "" && comp.Session != sessionFilter {
				return nil
			}
			if enabledFilter != "" && comp.Enabled != (enabledFilter == "true") {
				return nil
			}
			components = append(components, comp)
			return nil
		})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, components)
}

func (s *Server) createComponents(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)

	var incoming []types.Component
	if err := decode(r, &incoming); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(incoming) == 0 {
		respondError(w, http.StatusBadRequest, "at least one component is required")
		return
	}
	for i := range incoming {
		if incoming[i].ID == "" {
			respondError(w, http.StatusBadRequest, "component id is required")
			return
		}
	}

	created := make([]types.Component, 0, len(incoming))
	for _, comp := range incoming {
		comp.Tenant = tenant
		key := storage.Key(tenant, comp.ID)
		if _, err := s.store.Get(r.Context(), storage.KindComponents, key); err == nil {
			respondError(w, http.StatusConflict, "component "+comp.ID+" already exists")
			return
		}
		if err := storage.PutRecord(r.Context(), s.store, storage.KindComponents, key, comp); err != nil {
			respondStoreError(w, err)
			return
		}
		created = append(created, comp)
	}
	respond(w, http.StatusCreated, created)
}

func (s *Server) getComponent(w http.ResponseWriter, r *http.Request) {
	key := storage.Key(tenantFrom(r), chi.URLParam(r, "id"))
	comp, err := storage.GetRecord[types.Component](r.Context(), s.store, storage.KindComponents, key)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, comp)
}

func (s *Server) patchComponent(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	id := chi.URLParam(r, "id")

	var patch componentPatch
	if err := decode(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := storage.Key(tenant, id)
	err := storage.PatchRecord(r.Context(), s.store, storage.KindComponents, key,
		func(c *types.Component) error {
			patch.apply(c)
			return nil
		})
	if err != nil {
		respondStoreError(w, err)
		return
	}

	comp, err := storage.GetRecord[types.Component](r.Context(), s.store, storage.KindComponents, key)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, comp)
}

// bulkPatchRequest applies one patch to every component matched by the
// filter. Exactly one of filter.ids or filter.session must be set.
type bulkPatchRequest struct {
	Patch  componentPatch `json:"patch"`
	Filter struct {
		IDs     string `json:"ids,omitempty"`
		Session string `json:"session,omitempty"`
	} `json:"filter"`
}

func (s *Server) bulkPatchComponents(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	skipBadIDs := r.URL.Query().Get("skip_bad_ids") == "true"

	var req bulkPatchRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if (req.Filter.IDs == "") == (req.Filter.Session == "") {
		respondError(w, http.StatusBadRequest, "exactly one of filter.ids or filter.session is required")
		return
	}

	var targets []string
	if req.Filter.IDs != "" {
		targets = strings.Split(req.Filter.IDs, ",")
	} else {
		err := storage.ScanRecords(r.Context(), s.store, storage.KindComponents,
			storage.TenantPrefix(tenant), 500, func(key string, comp types.Component) error {
				if comp.Session == req.Filter.Session {
					targets = append(targets, comp.ID)
				}
				return nil
			})
		if err != nil {
			respondStoreError(w, err)
			return
		}
	}

	// Unknown ids fail the whole request up front unless the caller opted
	// into skipping them; a partial bulk patch should never surprise anyone.
	if !skipBadIDs {
		keys := make([]string, 0, len(targets))
		for _, id := range targets {
			if id = strings.TrimSpace(id); id != "" {
				keys = append(keys, storage.Key(tenant, id))
			}
		}
		existing, err := s.store.GetMulti(r.Context(), storage.KindComponents, keys)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		var unknown []string
		for _, key := range keys {
			if _, ok := existing[key]; !ok {
				_, id := storage.SplitKey(key)
				unknown = append(unknown, id)
			}
		}
		if len(unknown) > 0 {
			respondError(w, http.StatusBadRequest, "unknown component ids: "+strings.Join(unknown, ", "))
			return
		}
	}

	patched := []types.Component{}
	var badIDs []string
	for _, id := range targets {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		key := storage.Key(tenant, id)
		err := storage.PatchRecord(r.Context(), s.store, storage.KindComponents, key,
			func(c *types.Component) error {
				req.Patch.apply(c)
				return nil
			})
		if errors.Is(err, storage.ErrNotFound) {
			badIDs = append(badIDs, id)
			continue
		}
		if err != nil {
			respondStoreError(w, err)
			return
		}
		comp, err := storage.GetRecord[types.Component](r.Context(), s.store, storage.KindComponents, key)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		patched = append(patched, comp)
	}

	if len(badIDs) > 0 && !skipBadIDs {
		respondError(w, http.StatusBadRequest, "unknown component ids: "+strings.Join(badIDs, ", "))
		return
	}
	respond(w, http.StatusOK, patched)
}

func (s *Server) deleteComponent(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	id := chi.URLParam(r, "id")
	key := storage.Key(tenant, id)

	if _, err := s.store.Get(r.Context(), storage.KindComponents, key); err != nil {
		respondStoreError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), storage.KindComponents, key); err != nil {
		respondStoreError(w, err)
		return
	}
	// The referral token record goes with the component.
	_ = s.store.Delete(r.Context(), storage.KindBSSTokens, key)
	respond(w, http.StatusNoContent, nil)
}

// applyStagedRequest names the components whose staged state should be
// promoted.
type applyStagedRequest struct {
	Xnames []string `json:"xnames" validate:"required,min=1"`
}

type applyStagedResponse struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
	Ignored   []string `json:"ignored"`
}

// applyStaged promotes staged_state to desired_state in a single phase:
// the staged record becomes the goal and is cleared in the same patch.
func (s *Server) applyStaged(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)

	var req applyStagedRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "xnames is required")
		return
	}

	resp := applyStagedResponse{Succeeded: []string{}, Failed: []string{}, Ignored: []string{}}
	for _, id := range req.Xnames {
		key := storage.Key(tenant, id)
		ignored := false
		err := storage.PatchRecord(r.Context(), s.store, storage.KindComponents, key,
			func(c *types.Component) error {
				if c.StagedState.IsZero() {
					ignored = true
					return nil
				}
				c.DesiredState = types.DesiredState{
					BootArtifacts: c.StagedState.BootArtifacts,
					Configuration: c.StagedState.Configuration,
				}
				c.Session = c.StagedState.Session
				c.StagedState = types.StagedState{}
				c.LastAction = types.LastAction{Action: types.ActionNone}
				c.Error = ""
				return nil
			})
		switch {
		case err != nil:
			resp.Failed = append(resp.Failed, id)
		case ignored:
			resp.Ignored = append(resp.Ignored, id)
		default:
			resp.Succeeded = append(resp.Succeeded, id)
		}
	}
	respond(w, http.StatusOK, resp)
}

// splitFilter parses a comma-separated id list into a set; empty input
// yields nil.
func splitFilter(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	out := map[string]bool{}
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = true
		}
	}
	return out
}
