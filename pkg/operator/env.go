package operator

import (
	"context"
	"time"

	"github.com/cuemby/bos/pkg/clients"
	"github.com/cuemby/bos/pkg/events"
	"github.com/cuemby/bos/pkg/options"
	"github.com/cuemby/bos/pkg/session"
	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// PowerControl is the slice of the PCS client the operators consume.
type PowerControl interface {
	PowerStates(ctx context.Context, opts types.Options, ids []string) (map[string]string, error)
	Transition(ctx context.Context, opts types.Options, operation string, ids []string) ([]clients.ComponentError, error)
}

// HardwareState extends the session package's view with fleet listing.
type HardwareState interface {
	session.HardwareState
	ListNodes(ctx context.Context, opts types.Options) ([]clients.HSMComponent, error)
}

// BootScript is the slice of the BSS client the operators consume.
type BootScript interface {
	PutBootParameters(ctx context.Context, opts types.Options, params clients.BootParameters) error
}

// ImageService is the slice of the IMS client the operators consume.
type ImageService interface {
	GetImage(ctx context.Context, opts types.Options, imageID string) (*clients.Image, error)
	TagImage(ctx context.Context, opts types.Options, imageID, key, value string) error
}

// ConfigFramework is the slice of the CFS client the operators consume.
type ConfigFramework interface {
	SetConfigurations(ctx context.Context, opts types.Options, patches []clients.CFSComponent) error
	GetConfigurations(ctx context.Context, opts types.Options, ids []string) (map[string]clients.CFSComponent, error)
}

// ObjectStore fetches boot manifests.
type ObjectStore interface {
	GetManifest(ctx context.Context, opts types.Options, path string) (*clients.BootManifest, error)
}

// Env is everything an operator depends on, injected at construction. The
// operators share no in-memory state with each other; the store is their
// only common medium.
type Env struct {
	Store   storage.Store
	Options *options.Provider
	Events  *events.Broker

	PCS         PowerControl
	HSM         HardwareState
	BSS         BootScript
	IMS         ImageService
	CFS         ConfigFramework
	ObjectStore ObjectStore
	Tenants     session.TenantLookup

	// Now is the clock; tests substitute a fake.
	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// NewEnv wires an Env from concrete clients.
func NewEnv(store storage.Store, provider *options.Provider, broker *events.Broker, set *clients.Set) *Env {
	return &Env{
		Store:       store,
		Options:     provider,
		Events:      broker,
		PCS:         set.PCS,
		HSM:         set.HSM,
		BSS:         set.BSS,
		IMS:         set.IMS,
		CFS:         set.CFS,
		ObjectStore: set.ObjectStore,
		Tenants:     set.Tenants,
		Now:         time.Now,
	}
}

// scanComponents collects components across every tenant that match the
// filter, skipping disabled ones.
func scanComponents(ctx context.Context, env *Env, filter func(*types.Component) bool) ([]types.Component, error) {
	var matched []types.Component
	err := storage.ScanRecords(ctx, env.Store, storage.KindComponents, "", 500,
		func(key string, comp types.Component) error {
			if !comp.Enabled {
				return nil
			}
			if filter(&comp) {
				matched = append(matched, comp)
			}
			return nil
		})
	return matched, err
}

// patchComponent applies a typed mutator to one component record.
func patchComponent(ctx context.Context, env *Env, tenant, id string, mutate func(*types.Component) error) error {
	return storage.PatchRecord(ctx, env.Store, storage.KindComponents, storage.Key(tenant, id), mutate)
}

// ids projects component records to their id list.
func ids(comps []types.Component) []string {
	out := make([]string, len(comps))
	for i := range comps {
		out[i] = comps[i].ID
	}
	return out
}
