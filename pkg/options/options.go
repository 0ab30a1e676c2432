package options

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// GlobalKey is the single options record's key.
const GlobalKey = "global"

// cacheTTL bounds how stale an operator's view of the options can be. One
// refresh per operator iteration is the intended cadence; the cache only
// keeps many operators from hammering the store in the same second.
const cacheTTL = 5 * time.Second

// Defaults returns the options record written to a fresh store.
func Defaults() types.Options {
	return types.Options{
		CleanupCompletedSessionTTL: "24h",
		ComponentActualStateTTL:    "4h",
		DefaultRetryPolicy:         3,
		ForcefulShutdownWaitTime:   300,
		PollingFrequency:           15,
		DiscoveryFrequency:         300,
		MaxComponentBatchSize:      1000,
		MaxImageManifestSize:       1 << 20,
		PCSReadTimeout:             20,
		HSMReadTimeout:             20,
		BSSReadTimeout:             20,
		IMSReadTimeout:             20,
		CFSReadTimeout:             20,
		LoggingLevel:               "info",
		IMSImagesMustExist:         false,
	}
}

// Provider reads the options record with a short-lived cache. Operators call
// Load once per iteration and work from the returned snapshot by value, so a
// PATCH to /v2/options takes effect within one cycle.
type Provider struct {
	store storage.Store
	now   func() time.Time

	mu      sync.Mutex
	cached  types.Options
	fetched time.Time
}

// NewProvider creates a Provider over the given store.
func NewProvider(store storage.Store) *Provider {
	return &Provider{store: store, now: time.Now}
}

// EnsureExists writes the defaults record if none is stored yet.
func EnsureExists(ctx context.Context, store storage.Store) error {
	_, err := store.Get(ctx, storage.KindOptions, GlobalKey)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.PutRecord(ctx, store, storage.KindOptions, GlobalKey, Defaults())
	}
	return err
}

// Load returns the current options snapshot. On a store miss it falls back
// to defaults; on a store failure it serves the last good snapshot so
// operators keep running through brief outages.
func (p *Provider) Load(ctx context.Context) (types.Options, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.fetched.IsZero() && p.now().Sub(p.fetched) < cacheTTL {
		return p.cached, nil
	}

	opts, err := storage.GetRecord[types.Options](ctx, p.store, storage.KindOptions, GlobalKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		opts = Defaults()
	case err != nil:
		if p.fetched.IsZero() {
			return Defaults(), fmt.Errorf("loading options: %w", err)
		}
		return p.cached, nil
	}

	p.cached = opts
	p.fetched = p.now()
	return opts, nil
}

// Invalidate drops the cache so the next Load hits the store.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetched = time.Time{}
}
