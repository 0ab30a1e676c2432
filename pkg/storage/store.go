package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// Kind names a record namespace in the store.
type Kind string

const (
	KindComponents       Kind = "components"
	KindSessions         Kind = "sessions"
	KindSessionTemplates Kind = "session_templates"
	KindOptions          Kind = "options"
	KindBSSTokens        Kind = "bss_tokens"
	KindMeta             Kind = "meta"
)

// Kinds lists every namespace, in creation order.
func Kinds() []Kind {
	return []Kind{
		KindComponents,
		KindSessions,
		KindSessionTemplates,
		KindOptions,
		KindBSSTokens,
		KindMeta,
	}
}

var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")

	// ErrConflict is returned by Patch when concurrent modification retries
	// are exhausted.
	ErrConflict = errors.New("concurrent modification")
)

// patchConflicts counts optimistic-lock retries across all backends. The
// metrics package exports it as a counter.
var patchConflicts atomic.Int64

// PatchConflicts returns the number of Patch attempts that lost a
// concurrent-modification race and retried.
func PatchConflicts() int64 {
	return patchConflicts.Load()
}

// Mutator rewrites a record in place during a Patch. It receives the current
// serialized record and returns the replacement. Mutators must be pure
// functions of their input: the store may call them more than once when a
// concurrent writer wins the race.
type Mutator func(before []byte) (after []byte, err error)

// VisitFunc receives one record during a Scan. Returning an error aborts the
// scan and propagates the error.
type VisitFunc func(key string, value []byte) error

// Store is a keyed document store with per-kind namespaces and atomic
// single-record updates. All BOS state lives behind this interface; there
// are no cross-record transactions.
type Store interface {
	Get(ctx context.Context, kind Kind, key string) ([]byte, error)
	GetMulti(ctx context.Context, kind Kind, keys []string) (map[string][]byte, error)
	Put(ctx context.Context, kind Kind, key string, value []byte) error
	Patch(ctx context.Context, kind Kind, key string, mutate Mutator) error
	Delete(ctx context.Context, kind Kind, key string) error
	ListKeys(ctx context.Context, kind Kind, prefix string) ([]string, error)
	Scan(ctx context.Context, kind Kind, prefix string, pageSize int, visit VisitFunc) error
	Close() error
}

// Key builds the store key for a tenant-scoped record. The empty tenant is
// the untenanted bucket; keys never collide across tenants because the
// separator always appears.
func Key(tenant, id string) string {
	return tenant + "/" + id
}

// TenantPrefix is the ListKeys/Scan prefix covering one tenant.
func TenantPrefix(tenant string) string {
	return tenant + "/"
}

// SplitKey breaks a store key back into tenant and id.
func SplitKey(key string) (tenant, id string) {
	tenant, id, _ = strings.Cut(key, "/")
	return tenant, id
}

// GetRecord fetches and decodes one record.
func GetRecord[T any](ctx context.Context, s Store, kind Kind, key string) (T, error) {
	var out T
	raw, err := s.Get(ctx, kind, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decoding %s/%s: %w", kind, key, err)
	}
	return out, nil
}

// PutRecord encodes and stores one record.
func PutRecord[T any](ctx context.Context, s Store, kind Kind, key string, record T) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", kind, key, err)
	}
	return s.Put(ctx, kind, key, raw)
}

// PatchRecord applies a typed read-modify-write. The mutator receives the
// decoded record and edits it in place; the store serializes concurrent
// patches against the same key.
func PatchRecord[T any](ctx context.Context, s Store, kind Kind, key string, mutate func(*T) error) error {
	return s.Patch(ctx, kind, key, func(before []byte) ([]byte, error) {
		var rec T
		if err := json.Unmarshal(before, &rec); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", kind, key, err)
		}
		if err := mutate(&rec); err != nil {
			return nil, err
		}
		return json.Marshal(&rec)
	})
}

// ScanRecords visits decoded records under a prefix, page by page.
func ScanRecords[T any](ctx context.Context, s Store, kind Kind, prefix string, pageSize int, visit func(key string, record T) error) error {
	return s.Scan(ctx, kind, prefix, pageSize, func(key string, value []byte) error {
		var rec T
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decoding %s/%s: %w", kind, key, err)
		}
		return visit(key, rec)
	})
}
