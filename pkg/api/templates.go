package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// errInvalidTemplate aborts a template patch whose result fails validation.
var errInvalidTemplate = errors.New("invalid session template")

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)

	var template types.SessionTemplate
	if err := decode(r, &template); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	template.Tenant = tenant

	opts, err := s.options.Load(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	report := validateTemplateRecord(r.Context(), s.ims, opts, &template)
	if !report.Valid {
		respond(w, http.StatusBadRequest, report)
		return
	}

	key := storage.Key(tenant, template.Name)
	if _, err := s.store.Get(r.Context(), storage.KindSessionTemplates, key); err == nil {
		respondError(w, http.StatusConflict, "session template "+template.Name+" already exists")
		return
	}
	if err := storage.PutRecord(r.Context(), s.store, storage.KindSessionTemplates, key, template); err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusCreated, template)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)

	templates := []types.SessionTemplate{}
	err := storage.ScanRecords(r.Context(), s.store, storage.KindSessionTemplates,
		storage.TenantPrefix(tenant), 500, func(key string, template types.SessionTemplate) error {
			templates = append(templates, template)
			return nil
		})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, templates)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	key := storage.Key(tenantFrom(r), chi.URLParam(r, "name"))
	template, err := storage.GetRecord[types.SessionTemplate](r.Context(), s.store,
		storage.KindSessionTemplates, key)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, template)
}

// templatePatch is the writable surface of a stored template. Boot sets are
// replaced wholesale when present.
type templatePatch struct {
	Description *string                     `json:"description,omitempty"`
	EnableCFS   *bool                       `json:"enable_cfs,omitempty"`
	CFS         *types.CFSParameters        `json:"cfs,omitempty"`
	BootSets    *map[string]types.BootSet   `json:"boot_sets,omitempty"`
}

func (s *Server) patchTemplate(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	name := chi.URLParam(r, "name")

	var patch templatePatch
	if err := decode(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts, err := s.options.Load(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}

	key := storage.Key(tenant, name)
	var invalid *ValidationReport
	err = storage.PatchRecord(r.Context(), s.store, storage.KindSessionTemplates, key,
		func(template *types.SessionTemplate) error {
			if patch.Description != nil {
				template.Description = *patch.Description
			}
			if patch.EnableCFS != nil {
				template.EnableCFS = *patch.EnableCFS
			}
			if patch.CFS != nil {
				template.CFS = *patch.CFS
			}
			if patch.BootSets != nil {
				template.BootSets = *patch.BootSets
			}
			if report := validateTemplateRecord(r.Context(), s.ims, opts, template); !report.Valid {
				invalid = &report
				return errInvalidTemplate
			}
			return nil
		})
	if invalid != nil {
		respond(w, http.StatusBadRequest, invalid)
		return
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}

	template, err := storage.GetRecord[types.SessionTemplate](r.Context(), s.store,
		storage.KindSessionTemplates, key)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, template)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	key := storage.Key(tenantFrom(r), chi.URLParam(r, "name"))
	if _, err := s.store.Get(r.Context(), storage.KindSessionTemplates, key); err != nil {
		respondStoreError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), storage.KindSessionTemplates, key); err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) validateTemplate(w http.ResponseWriter, r *http.Request) {
	key := storage.Key(tenantFrom(r), chi.URLParam(r, "name"))
	template, err := storage.GetRecord[types.SessionTemplate](r.Context(), s.store,
		storage.KindSessionTemplates, key)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	opts, err := s.options.Load(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, validateTemplateRecord(r.Context(), s.ims, opts, &template))
}

// templateTemplate returns a canonical example a client can start from.
func (s *Server) templateTemplate(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, types.SessionTemplate{
		Name:        "name-your-template",
		Description: "Replace the boot set contents with real artifacts and selectors",
		EnableCFS:   true,
		CFS:         types.CFSParameters{Configuration: "desired-cfs-config"},
		BootSets: map[string]types.BootSet{
			"compute": {
				Name:             "compute",
				NodeRolesGroups:  []string{"Compute"},
				Arch:             types.ArchX86,
				Path:             "s3://boot-images/your-image-id/manifest.json",
				KernelParameters: "console=ttyS0,115200 root=live:s3://boot-images/your-image-id/rootfs",
				RootfsProvider:   "sbps",
			},
		},
	})
}
