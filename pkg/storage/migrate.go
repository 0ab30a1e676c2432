package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/types"
	"github.com/rs/zerolog"
)

// SchemaVersion is the store layout this build reads and writes. Migration
// upgrades from exactly one version back; older stores are rejected with an
// error naming the supported range.
const SchemaVersion = 2

const schemaVersionKey = "schema_version"

type schemaRecord struct {
	Version int `json:"version"`
}

// Migrate brings the store to the current schema version and sanitizes
// records that older writers left behind:
//
//   - components or sessions missing a tenant field are normalized to the
//     untenanted bucket (tenant "")
//   - components whose phase is not a known value are deleted, with the
//     reason logged
//
// A fresh store is stamped with the current version. Unrepairable records
// are deleted rather than left to poison operator scans.
func Migrate(ctx context.Context, s Store) error {
	logger := log.WithComponent("migration")

	version, err := readSchemaVersion(ctx, s)
	if err != nil {
		return err
	}

	switch {
	case version == SchemaVersion:
		return nil
	case version < SchemaVersion-1:
		return fmt.Errorf("store schema version %d is too old: this build migrates from %d to %d only",
			version, SchemaVersion-1, SchemaVersion)
	case version > SchemaVersion:
		return fmt.Errorf("store schema version %d is newer than this build supports (%d)", version, SchemaVersion)
	}

	logger.Info().Int("from", version).Int("to", SchemaVersion).Msg("Migrating store schema")

	if err := sanitizeComponents(ctx, s, logger); err != nil {
		return err
	}
	if err := sanitizeSessions(ctx, s, logger); err != nil {
		return err
	}

	return writeSchemaVersion(ctx, s, SchemaVersion)
}

func readSchemaVersion(ctx context.Context, s Store) (int, error) {
	raw, err := s.Get(ctx, KindMeta, schemaVersionKey)
	if errors.Is(err, ErrNotFound) {
		// Fresh or pre-versioning store. Stamp it one version back so the
		// sanitation pass below runs once.
		return SchemaVersion - 1, nil
	}
	if err != nil {
		return 0, err
	}
	var rec schemaRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, fmt.Errorf("decoding schema version: %w", err)
	}
	return rec.Version, nil
}

func writeSchemaVersion(ctx context.Context, s Store, version int) error {
	raw, err := json.Marshal(schemaRecord{Version: version})
	if err != nil {
		return err
	}
	return s.Put(ctx, KindMeta, schemaVersionKey, raw)
}

func sanitizeComponents(ctx context.Context, s Store, logger zerolog.Logger) error {
	type rewrite struct {
		oldKey string
		comp   types.Component
	}
	var rewrites []rewrite
	var deletes []string

	err := s.Scan(ctx, KindComponents, "", 500, func(key string, value []byte) error {
		var comp types.Component
		if err := json.Unmarshal(value, &comp); err != nil {
			logger.Warn().Str("key", key).Err(err).Msg("Deleting undecodable component record")
			deletes = append(deletes, key)
			return nil
		}

		if !comp.Status.Phase.Valid() {
			logger.Warn().
				Str("key", key).
				Str("phase", string(comp.Status.Phase)).
				Msg("Deleting component with invalid phase")
			deletes = append(deletes, key)
			return nil
		}

		// Pre-tenancy records were keyed by bare id with no tenant field.
		tenant, id := SplitKey(key)
		if id == "" {
			comp.Tenant = ""
			comp.ID = tenant
			rewrites = append(rewrites, rewrite{oldKey: key, comp: comp})
			return nil
		}
		if comp.Tenant != tenant || comp.ID != id {
			comp.Tenant = tenant
			comp.ID = id
			rewrites = append(rewrites, rewrite{oldKey: key, comp: comp})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range deletes {
		if err := s.Delete(ctx, KindComponents, key); err != nil {
			return err
		}
	}
	for _, rw := range rewrites {
		if err := PutRecord(ctx, s, KindComponents, Key(rw.comp.Tenant, rw.comp.ID), rw.comp); err != nil {
			return err
		}
		if old := rw.oldKey; old != Key(rw.comp.Tenant, rw.comp.ID) {
			if err := s.Delete(ctx, KindComponents, old); err != nil {
				return err
			}
		}
	}
	return nil
}

func sanitizeSessions(ctx context.Context, s Store, logger zerolog.Logger) error {
	var deletes []string
	var rewrites []types.Session

	err := s.Scan(ctx, KindSessions, "", 500, func(key string, value []byte) error {
		var sess types.Session
		if err := json.Unmarshal(value, &sess); err != nil {
			logger.Warn().Str("key", key).Err(err).Msg("Deleting undecodable session record")
			deletes = append(deletes, key)
			return nil
		}
		tenant, name := SplitKey(key)
		if name == "" {
			sess.Tenant = ""
			sess.Name = tenant
			rewrites = append(rewrites, sess)
			if key != Key("", tenant) {
				deletes = append(deletes, key)
			}
			return nil
		}
		if sess.Tenant != tenant {
			sess.Tenant = tenant
			rewrites = append(rewrites, sess)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, sess := range rewrites {
		if err := PutRecord(ctx, s, KindSessions, Key(sess.Tenant, sess.Name), sess); err != nil {
			return err
		}
	}
	for _, key := range deletes {
		if err := s.Delete(ctx, KindSessions, key); err != nil {
			return err
		}
	}
	return nil
}
