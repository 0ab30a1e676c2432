package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cuemby/bos/pkg/session"
	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// createSessionRequest is the POST /v2/sessions body.
type createSessionRequest struct {
	Name            string `json:"name" validate:"omitempty,resourcename"`
	TemplateName    string `json:"template_name" validate:"required,resourcename"`
	Operation       string `json:"operation" validate:"required,oneof=boot reboot shutdown"`
	Limit           string `json:"limit"`
	Stage           bool   `json:"stage"`
	IncludeDisabled bool   `json:"include_disabled"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)

	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts, err := s.options.Load(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if opts.SessionLimitRequired && req.Limit == "" {
		respondError(w, http.StatusBadRequest, "sessions require a limit (session_limit_required is set)")
		return
	}

	// The template must exist under the caller's tenant.
	_, err = storage.GetRecord[types.SessionTemplate](r.Context(), s.store,
		storage.KindSessionTemplates, storage.Key(tenant, req.TemplateName))
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("session template %q does not exist", req.TemplateName))
		return
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}

	name := req.Name
	if name == "" {
		name = uuid.New().String()
	}

	key := storage.Key(tenant, name)
	if _, err := s.store.Get(r.Context(), storage.KindSessions, key); err == nil {
		respondError(w, http.StatusConflict, "session "+name+" already exists")
		return
	}

	sess := types.Session{
		Name:            name,
		Tenant:          tenant,
		TemplateName:    req.TemplateName,
		Operation:       types.Operation(req.Operation),
		Limit:           req.Limit,
		Stage:           req.Stage,
		IncludeDisabled: req.IncludeDisabled,
		Status:          types.SessionStatus{Status: types.SessionPending},
	}
	if err := storage.PutRecord(r.Context(), s.store, storage.KindSessions, key, sess); err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	statusFilter := r.URL.Query().Get("status")

	sessions := []types.Session{}
	err := storage.ScanRecords(r.Context(), s.store, storage.KindSessions,
		storage.TenantPrefix(tenant), 500, func(key string, sess types.Session) error {
			if statusFilter != "" && string(sess.Status.Status) != statusFilter {
				return nil
			}
			sessions = append(sessions, sess)
			return nil
		})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	key := storage.Key(tenantFrom(r), chi.URLParam(r, "name"))
	sess, err := storage.GetRecord[types.Session](r.Context(), s.store, storage.KindSessions, key)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, sess)
}

// sessionPatch is the writable surface of a session after creation.
type sessionPatch struct {
	Limit           *string `json:"limit,omitempty"`
	Stage           *bool   `json:"stage,omitempty"`
	IncludeDisabled *bool   `json:"include_disabled,omitempty"`
}

func (s *Server) patchSession(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	name := chi.URLParam(r, "name")

	var patch sessionPatch
	if err := decode(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := storage.Key(tenant, name)
	err := storage.PatchRecord(r.Context(), s.store, storage.KindSessions, key,
		func(sess *types.Session) error {
			if sess.Status.Status != types.SessionPending {
				return fmt.Errorf("only pending sessions can be modified")
			}
			if patch.Limit != nil {
				sess.Limit = *patch.Limit
			}
			if patch.Stage != nil {
				sess.Stage = *patch.Stage
			}
			if patch.IncludeDisabled != nil {
				sess.IncludeDisabled = *patch.IncludeDisabled
			}
			return nil
		})
	if errors.Is(err, storage.ErrNotFound) {
		respondStoreError(w, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	sess, err := storage.GetRecord[types.Session](r.Context(), s.store, storage.KindSessions, key)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	name := chi.URLParam(r, "name")
	key := storage.Key(tenant, name)

	sess, err := storage.GetRecord[types.Session](r.Context(), s.store, storage.KindSessions, key)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	// Detach components still owned by the session.
	err = storage.ScanRecords(r.Context(), s.store, storage.KindComponents,
		storage.TenantPrefix(tenant), 500, func(compKey string, comp types.Component) error {
			if comp.Session != sess.Name {
				return nil
			}
			return storage.PatchRecord(r.Context(), s.store, storage.KindComponents, compKey,
				func(c *types.Component) error {
					if c.Session == sess.Name {
						c.Session = ""
					}
					return nil
				})
		})
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if err := s.store.Delete(r.Context(), storage.KindSessions, key); err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	key := storage.Key(tenantFrom(r), chi.URLParam(r, "name"))
	sess, err := storage.GetRecord[types.Session](r.Context(), s.store, storage.KindSessions, key)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	agg, err := session.Aggregate(r.Context(), s.store, &sess)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, agg)
}
