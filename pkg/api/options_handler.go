package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/options"
	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

func (s *Server) getOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := storage.GetRecord[types.Options](r.Context(), s.store, storage.KindOptions, options.GlobalKey)
	if errors.Is(err, storage.ErrNotFound) {
		opts = options.Defaults()
	} else if err != nil {
		respondStoreError(w, err)
		return
	}
	respond(w, http.StatusOK, opts)
}

func (s *Server) patchOptions(w http.ResponseWriter, r *http.Request) {
	// The patch body carries only the fields being changed, so decode it
	// over the current record.
	var raw json.RawMessage
	if err := decode(r, &raw); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Reject unknown option names before touching the store.
	probe := json.NewDecoder(bytes.NewReader(raw))
	probe.DisallowUnknownFields()
	var scratch types.Options
	if err := probe.Decode(&scratch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid options patch: "+err.Error())
		return
	}

	err := storage.PatchRecord(r.Context(), s.store, storage.KindOptions, options.GlobalKey,
		func(opts *types.Options) error {
			return json.Unmarshal(raw, opts)
		})
	if errors.Is(err, storage.ErrNotFound) {
		merged := options.Defaults()
		if err := json.Unmarshal(raw, &merged); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := storage.PutRecord(r.Context(), s.store, storage.KindOptions, options.GlobalKey, merged); err != nil {
			respondStoreError(w, err)
			return
		}
	} else if err != nil {
		respondStoreError(w, err)
		return
	}

	// Operators pick the change up on their next iteration; the API's own
	// cached snapshot refreshes immediately.
	s.options.Invalidate()

	opts, err := storage.GetRecord[types.Options](r.Context(), s.store, storage.KindOptions, options.GlobalKey)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if opts.LoggingLevel != "" {
		log.SetLevel(log.Level(opts.LoggingLevel))
	}
	respond(w, http.StatusOK, opts)
}
