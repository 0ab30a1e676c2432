package operator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bos/pkg/clients"
	"github.com/cuemby/bos/pkg/events"
	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/options"
	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// --- fakes -----------------------------------------------------------------

type transitionCall struct {
	operation string
	ids       []string
}

type fakePCS struct {
	mu       sync.Mutex
	states   map[string]string
	failures map[string]string // id -> per-node error on Transition
	calls    []transitionCall
}

func (f *fakePCS) PowerStates(ctx context.Context, opts types.Options, ids []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for _, id := range ids {
		if state, ok := f.states[id]; ok {
			out[id] = state
		}
	}
	return out, nil
}

func (f *fakePCS) Transition(ctx context.Context, opts types.Options, operation string, ids []string) ([]clients.ComponentError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, transitionCall{operation: operation, ids: append([]string(nil), ids...)})
	var failures []clients.ComponentError
	for _, id := range ids {
		if msg, ok := f.failures[id]; ok {
			failures = append(failures, clients.ComponentError{ID: id, Message: msg})
		}
	}
	return failures, nil
}

func (f *fakePCS) transitions(operation string) []transitionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transitionCall
	for _, call := range f.calls {
		if call.operation == operation {
			out = append(out, call)
		}
	}
	return out
}

type fakeHSM struct {
	nodes  map[string]clients.HSMComponent
	groups map[string][]string
	roles  map[string][]string
	locked map[string]bool
}

func (f *fakeHSM) ListNodes(ctx context.Context, opts types.Options) ([]clients.HSMComponent, error) {
	var out []clients.HSMComponent
	for _, node := range f.nodes {
		out = append(out, node)
	}
	return out, nil
}

func (f *fakeHSM) GetNodes(ctx context.Context, opts types.Options, ids []string) (map[string]clients.HSMComponent, error) {
	out := map[string]clients.HSMComponent{}
	for _, id := range ids {
		if node, ok := f.nodes[id]; ok {
			out[id] = node
		}
	}
	return out, nil
}

func (f *fakeHSM) GroupMembers(ctx context.Context, opts types.Options, group string) ([]string, error) {
	return f.groups[group], nil
}

func (f *fakeHSM) RoleMembers(ctx context.Context, opts types.Options, role string) ([]string, error) {
	return f.roles[role], nil
}

func (f *fakeHSM) LockedNodes(ctx context.Context, opts types.Options, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		if f.locked[id] {
			out[id] = true
		}
	}
	return out, nil
}

type fakeBSS struct {
	mu   sync.Mutex
	puts []clients.BootParameters
}

func (f *fakeBSS) PutBootParameters(ctx context.Context, opts types.Options, params clients.BootParameters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, params)
	return nil
}

type fakeIMS struct {
	images map[string]*clients.Image
	tags   map[string]map[string]string
}

func (f *fakeIMS) GetImage(ctx context.Context, opts types.Options, imageID string) (*clients.Image, error) {
	if img, ok := f.images[imageID]; ok {
		return img, nil
	}
	return nil, clients.ErrImageNotFound
}

func (f *fakeIMS) TagImage(ctx context.Context, opts types.Options, imageID, key, value string) error {
	if f.tags == nil {
		f.tags = map[string]map[string]string{}
	}
	if f.tags[imageID] == nil {
		f.tags[imageID] = map[string]string{}
	}
	f.tags[imageID][key] = value
	return nil
}

type fakeCFS struct {
	mu      sync.Mutex
	states  map[string]clients.CFSComponent
	patches [][]clients.CFSComponent
}

func (f *fakeCFS) SetConfigurations(ctx context.Context, opts types.Options, patches []clients.CFSComponent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patches)
	if f.states == nil {
		f.states = map[string]clients.CFSComponent{}
	}
	for _, patch := range patches {
		state := f.states[patch.ID]
		state.ID = patch.ID
		state.DesiredConfig = patch.DesiredConfig
		if state.ConfigurationStatus == "" {
			state.ConfigurationStatus = clients.CFSPending
		}
		f.states[patch.ID] = state
	}
	return nil
}

func (f *fakeCFS) GetConfigurations(ctx context.Context, opts types.Options, ids []string) (map[string]clients.CFSComponent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]clients.CFSComponent{}
	for _, id := range ids {
		if state, ok := f.states[id]; ok {
			out[id] = state
		}
	}
	return out, nil
}

type fakeObjectStore struct {
	manifests map[string]*clients.BootManifest
}

func (f *fakeObjectStore) GetManifest(ctx context.Context, opts types.Options, path string) (*clients.BootManifest, error) {
	if m, ok := f.manifests[path]; ok {
		return m, nil
	}
	return nil, &clients.APIError{Service: "s3", Status: 404, Body: path}
}

type fakeTenants struct {
	owned map[string]map[string]bool
}

func (f *fakeTenants) OwnedNodes(ctx context.Context, opts types.Options, tenant string) (map[string]bool, error) {
	if tenant == "" {
		return nil, nil
	}
	return f.owned[tenant], nil
}

// --- harness ---------------------------------------------------------------

type testEnv struct {
	*Env
	pcs       *fakePCS
	hsm       *fakeHSM
	bss       *fakeBSS
	ims       *fakeIMS
	cfs       *fakeCFS
	manifests *fakeObjectStore
	clock     *time.Time
	opts      types.Options
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now

	pcs := &fakePCS{states: map[string]string{}, failures: map[string]string{}}
	hsm := &fakeHSM{nodes: map[string]clients.HSMComponent{}}
	bss := &fakeBSS{}
	ims := &fakeIMS{images: map[string]*clients.Image{}}
	cfs := &fakeCFS{states: map[string]clients.CFSComponent{}}
	manifests := &fakeObjectStore{manifests: map[string]*clients.BootManifest{}}

	env := &Env{
		Store:       store,
		Options:     options.NewProvider(store),
		Events:      broker,
		PCS:         pcs,
		HSM:         hsm,
		BSS:         bss,
		IMS:         ims,
		CFS:         cfs,
		ObjectStore: manifests,
		Tenants:     &fakeTenants{},
		Now:         func() time.Time { return *clock },
	}

	opts := options.Defaults()
	return &testEnv{Env: env, pcs: pcs, hsm: hsm, bss: bss, ims: ims, cfs: cfs,
		manifests: manifests, clock: clock, opts: opts}
}

func (te *testEnv) advance(d time.Duration) {
	*te.clock = te.clock.Add(d)
}

func (te *testEnv) putComponent(t *testing.T, comp types.Component) {
	t.Helper()
	require.NoError(t, storage.PutRecord(context.Background(), te.Store, storage.KindComponents,
		storage.Key(comp.Tenant, comp.ID), comp))
}

func (te *testEnv) getComponent(t *testing.T, tenant, id string) types.Component {
	t.Helper()
	comp, err := storage.GetRecord[types.Component](context.Background(), te.Store,
		storage.KindComponents, storage.Key(tenant, id))
	require.NoError(t, err)
	return comp
}

func (te *testEnv) putSession(t *testing.T, sess types.Session) {
	t.Helper()
	require.NoError(t, storage.PutRecord(context.Background(), te.Store, storage.KindSessions,
		storage.Key(sess.Tenant, sess.Name), sess))
}

func (te *testEnv) getSession(t *testing.T, tenant, name string) types.Session {
	t.Helper()
	sess, err := storage.GetRecord[types.Session](context.Background(), te.Store,
		storage.KindSessions, storage.Key(tenant, name))
	require.NoError(t, err)
	return sess
}

func (te *testEnv) putTemplate(t *testing.T, template types.SessionTemplate) {
	t.Helper()
	require.NoError(t, storage.PutRecord(context.Background(), te.Store, storage.KindSessionTemplates,
		storage.Key(template.Tenant, template.Name), template))
}

func x86Node(id string) clients.HSMComponent {
	return clients.HSMComponent{ID: id, Type: "Node", Arch: types.ArchX86, Enabled: true}
}

var bootArtifacts = types.BootArtifacts{
	Kernel:         "s3://boot-images/img/kernel",
	Initrd:         "s3://boot-images/img/initrd",
	RootfsProvider: "sbps",
}

// --- operator tests --------------------------------------------------------

func TestDiscoveryCreatesAndDisables(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	te.hsm.nodes["x1"] = x86Node("x1")
	te.hsm.nodes["x2"] = x86Node("x2")

	// x9 exists locally but HSM no longer reports it.
	te.putComponent(t, types.Component{ID: "x9", Enabled: true})

	require.NoError(t, NewDiscovery(te.Env).Run(ctx, te.opts))

	assert.True(t, te.getComponent(t, "", "x1").Enabled)
	assert.True(t, te.getComponent(t, "", "x2").Enabled)

	x9 := te.getComponent(t, "", "x9")
	assert.False(t, x9.Enabled, "missing components are disabled, never deleted")
	assert.NotEmpty(t, x9.Error)

	// A second pass changes nothing.
	require.NoError(t, NewDiscovery(te.Env).Run(ctx, te.opts))
	assert.True(t, te.getComponent(t, "", "x1").Enabled)
}

func TestSessionSetupBoot(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	te.hsm.nodes["x1"] = x86Node("x1")
	te.hsm.nodes["x2"] = x86Node("x2")
	te.ims.images["img"] = &clients.Image{ID: "img"}

	te.putTemplate(t, types.SessionTemplate{
		Name: "T",
		BootSets: map[string]types.BootSet{
			"compute": {
				Name:           "compute",
				NodeList:       []string{"x1", "x2"},
				Arch:           types.ArchX86,
				Path:           "s3://boot-images/img/manifest.json",
				Kernel:         bootArtifacts.Kernel,
				Initrd:         bootArtifacts.Initrd,
				RootfsProvider: "sbps",
				CFS:            types.CFSParameters{Configuration: "cfg-1"},
			},
		},
	})
	te.putSession(t, types.Session{
		Name: "S", TemplateName: "T", Operation: types.OperationBoot,
		Status: types.SessionStatus{Status: types.SessionPending},
	})

	require.NoError(t, NewSessionSetup(te.Env).Run(ctx, te.opts))

	sess := te.getSession(t, "", "S")
	assert.Equal(t, types.SessionRunning, sess.Status.Status)
	assert.Equal(t, []string{"x1", "x2"}, sess.Components)
	assert.False(t, sess.Status.StartTime.IsZero())

	for _, id := range []string{"x1", "x2"} {
		comp := te.getComponent(t, "", id)
		assert.Equal(t, "S", comp.Session)
		assert.Equal(t, bootArtifacts, comp.DesiredState.BootArtifacts)
		assert.Equal(t, "cfg-1", comp.DesiredState.Configuration)
		assert.Zero(t, comp.LastAction.NumAttempts)
		assert.Empty(t, comp.Error)
	}

	// SBPS rootfs provider tags the image.
	assert.Equal(t, "true", te.ims.tags["img"][clients.SBPSProjectTag])
}

func TestSessionSetupMissingTemplateFails(t *testing.T) {
	te := newTestEnv(t)
	te.putSession(t, types.Session{
		Name: "S", TemplateName: "ghost", Operation: types.OperationBoot,
		Status: types.SessionStatus{Status: types.SessionPending},
	})

	require.NoError(t, NewSessionSetup(te.Env).Run(context.Background(), te.opts))

	sess := te.getSession(t, "", "S")
	assert.Equal(t, types.SessionComplete, sess.Status.Status)
	assert.Contains(t, sess.Status.Error, "ghost")
}

func TestSessionSetupSkipsBadIDs(t *testing.T) {
	te := newTestEnv(t)
	te.hsm.nodes["good"] = x86Node("good")

	te.putTemplate(t, types.SessionTemplate{
		Name: "T",
		BootSets: map[string]types.BootSet{
			"bs": {Name: "bs", NodeList: []string{"good", "bogus"}, Arch: types.ArchX86, Kernel: "k"},
		},
	})
	te.putSession(t, types.Session{
		Name: "S", TemplateName: "T", Operation: types.OperationBoot,
		Status: types.SessionStatus{Status: types.SessionPending},
	})

	require.NoError(t, NewSessionSetup(te.Env).Run(context.Background(), te.opts))

	sess := te.getSession(t, "", "S")
	assert.Equal(t, types.SessionRunning, sess.Status.Status)
	assert.Equal(t, []string{"good"}, sess.Components)
	assert.Contains(t, sess.Status.Error, "bogus")
}

func TestSessionSetupShutdownClearsGoal(t *testing.T) {
	te := newTestEnv(t)
	te.hsm.nodes["x3"] = x86Node("x3")
	te.putComponent(t, types.Component{
		ID: "x3", Enabled: true,
		DesiredState: types.DesiredState{BootArtifacts: bootArtifacts},
	})
	te.putTemplate(t, types.SessionTemplate{
		Name: "T",
		BootSets: map[string]types.BootSet{
			"bs": {Name: "bs", NodeList: []string{"x3"}, Arch: types.ArchX86, Kernel: "k"},
		},
	})
	te.putSession(t, types.Session{
		Name: "S", TemplateName: "T", Operation: types.OperationShutdown,
		Status: types.SessionStatus{Status: types.SessionPending},
	})

	require.NoError(t, NewSessionSetup(te.Env).Run(context.Background(), te.opts))

	comp := te.getComponent(t, "", "x3")
	assert.True(t, comp.DesiredState.IsZero(), "shutdown clears the boot goal")
	assert.Equal(t, types.ActionShutdownPending, comp.LastAction.Action)
}

func TestSessionSetupStaging(t *testing.T) {
	te := newTestEnv(t)
	te.hsm.nodes["x1"] = x86Node("x1")
	te.putTemplate(t, types.SessionTemplate{
		Name: "T",
		BootSets: map[string]types.BootSet{
			"bs": {Name: "bs", NodeList: []string{"x1"}, Arch: types.ArchX86, Kernel: "k2"},
		},
	})
	te.putSession(t, types.Session{
		Name: "S", TemplateName: "T", Operation: types.OperationReboot, Stage: true,
		Status: types.SessionStatus{Status: types.SessionPending},
	})

	require.NoError(t, NewSessionSetup(te.Env).Run(context.Background(), te.opts))

	comp := te.getComponent(t, "", "x1")
	assert.True(t, comp.DesiredState.IsZero(), "staging leaves desired state alone")
	assert.Equal(t, "k2", comp.StagedState.BootArtifacts.Kernel)
	assert.Equal(t, "S", comp.StagedState.Session)
}

func TestSessionSetupResolvesArtifactsFromManifest(t *testing.T) {
	te := newTestEnv(t)
	te.hsm.nodes["x1"] = x86Node("x1")
	te.ims.images["img"] = &clients.Image{ID: "img"}

	manifest := &clients.BootManifest{Version: "1.0"}
	kernel := clients.ManifestArtifact{Type: "kernel"}
	kernel.Link.Path = "s3://boot-images/img/kernel"
	initrd := clients.ManifestArtifact{Type: "initrd"}
	initrd.Link.Path = "s3://boot-images/img/initrd"
	manifest.Artifacts = []clients.ManifestArtifact{kernel, initrd}
	te.manifests.manifests["s3://boot-images/img/manifest.json"] = manifest

	// The boot set names only the manifest; kernel and initrd come from it.
	te.putTemplate(t, types.SessionTemplate{
		Name: "T",
		BootSets: map[string]types.BootSet{
			"bs": {
				Name: "bs", NodeList: []string{"x1"}, Arch: types.ArchX86,
				Path:           "s3://boot-images/img/manifest.json",
				RootfsProvider: "sbps",
			},
		},
	})
	te.putSession(t, types.Session{
		Name: "S", TemplateName: "T", Operation: types.OperationBoot,
		Status: types.SessionStatus{Status: types.SessionPending},
	})

	require.NoError(t, NewSessionSetup(te.Env).Run(context.Background(), te.opts))

	sess := te.getSession(t, "", "S")
	assert.Equal(t, types.SessionRunning, sess.Status.Status)

	comp := te.getComponent(t, "", "x1")
	assert.Equal(t, "s3://boot-images/img/kernel", comp.DesiredState.BootArtifacts.Kernel)
	assert.Equal(t, "s3://boot-images/img/initrd", comp.DesiredState.BootArtifacts.Initrd)
	assert.Equal(t, "sbps", comp.DesiredState.BootArtifacts.RootfsProvider)
}

func TestSessionSetupManifestFetchFailureFailsSession(t *testing.T) {
	te := newTestEnv(t)
	te.hsm.nodes["x1"] = x86Node("x1")

	te.putTemplate(t, types.SessionTemplate{
		Name: "T",
		BootSets: map[string]types.BootSet{
			"bs": {
				Name: "bs", NodeList: []string{"x1"}, Arch: types.ArchX86,
				Path: "s3://boot-images/missing/manifest.json",
			},
		},
	})
	te.putSession(t, types.Session{
		Name: "S", TemplateName: "T", Operation: types.OperationBoot,
		Status: types.SessionStatus{Status: types.SessionPending},
	})

	require.NoError(t, NewSessionSetup(te.Env).Run(context.Background(), te.opts))

	sess := te.getSession(t, "", "S")
	assert.Equal(t, types.SessionComplete, sess.Status.Status)
	assert.Contains(t, sess.Status.Error, "boot manifest")

	// The component was never stamped with an empty goal.
	_, err := te.Store.Get(context.Background(), storage.KindComponents, storage.Key("", "x1"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPowerOnCallsBSSAndPCS(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	te.putComponent(t, types.Component{
		ID: "x1", Enabled: true, Session: "S",
		DesiredState: types.DesiredState{BootArtifacts: bootArtifacts},
		Status:       types.StatusBlock{Status: types.StatusOff, Phase: types.PhasePoweringOn},
	})
	te.putComponent(t, types.Component{
		ID: "x2", Enabled: true, Session: "S",
		DesiredState: types.DesiredState{BootArtifacts: bootArtifacts},
		Status:       types.StatusBlock{Status: types.StatusOff, Phase: types.PhasePoweringOn},
	})

	require.NoError(t, NewPowerOn(te.Env).Run(ctx, te.opts))

	// One shared boot identity means one BSS registration for both hosts.
	require.Len(t, te.bss.puts, 1)
	assert.ElementsMatch(t, []string{"x1", "x2"}, te.bss.puts[0].Hosts)
	assert.Equal(t, bootArtifacts.Kernel, te.bss.puts[0].Kernel)
	assert.NotEmpty(t, te.bss.puts[0].Referral)

	onCalls := te.pcs.transitions(clients.TransitionOn)
	require.Len(t, onCalls, 1)
	assert.ElementsMatch(t, []string{"x1", "x2"}, onCalls[0].ids)

	for _, id := range []string{"x1", "x2"} {
		comp := te.getComponent(t, "", id)
		assert.Equal(t, types.StatusPowerOnCalled, comp.Status.Status)
		assert.Equal(t, types.ActionPowerOn, comp.LastAction.Action)
		assert.Equal(t, 1, comp.LastAction.NumAttempts)
		assert.Equal(t, 1, comp.EventStats.PowerOnAttempts)
		assert.NotEmpty(t, comp.DesiredState.BssToken)

		token, err := te.Store.Get(ctx, storage.KindBSSTokens, storage.Key("", id))
		require.NoError(t, err)
		assert.Equal(t, comp.DesiredState.BssToken, string(token))
	}
}

func TestPowerOnRecordsPerNodeErrors(t *testing.T) {
	te := newTestEnv(t)
	te.pcs.failures["x4"] = "power fault"

	te.putComponent(t, types.Component{
		ID: "x4", Enabled: true,
		DesiredState: types.DesiredState{BootArtifacts: bootArtifacts},
		Status:       types.StatusBlock{Status: types.StatusOff},
	})

	require.NoError(t, NewPowerOn(te.Env).Run(context.Background(), te.opts))

	comp := te.getComponent(t, "", "x4")
	assert.Equal(t, "power fault", comp.Error)
	assert.True(t, comp.LastAction.Failed)
	assert.Equal(t, 1, comp.LastAction.NumAttempts)
	assert.NotEqual(t, types.StatusPowerOnCalled, comp.Status.Status)
}

func TestPowerOnSkipsExhaustedComponents(t *testing.T) {
	te := newTestEnv(t)
	te.putComponent(t, types.Component{
		ID: "x4", Enabled: true,
		DesiredState: types.DesiredState{BootArtifacts: bootArtifacts},
		Status:       types.StatusBlock{Status: types.StatusOff},
		LastAction: types.LastAction{
			Action: types.ActionPowerOn, NumAttempts: 3, Failed: true,
		},
	})

	require.NoError(t, NewPowerOn(te.Env).Run(context.Background(), te.opts))
	assert.Empty(t, te.pcs.calls, "exhausted components must not trigger power calls")
}

func TestGracefulThenForcefulEscalation(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	te.putComponent(t, types.Component{
		ID: "x3", Enabled: true, Session: "S",
		Status: types.StatusBlock{Status: types.StatusPowerOffPending, Phase: types.PhasePoweringOff},
	})

	require.NoError(t, NewPowerOffGraceful(te.Env).Run(ctx, te.opts))

	comp := te.getComponent(t, "", "x3")
	assert.Equal(t, types.StatusPowerOffGracefullyCalled, comp.Status.Status)
	assert.Equal(t, 1, comp.EventStats.PowerOffGracefulAttempts)
	require.Len(t, te.pcs.transitions(clients.TransitionSoftOff), 1)

	// Before the timeout, forceful does nothing.
	require.NoError(t, NewPowerOffForceful(te.Env).Run(ctx, te.opts))
	assert.Empty(t, te.pcs.transitions(clients.TransitionForceOff))

	// After the timeout with the node still on, forceful fires exactly once.
	te.advance(te.opts.ForcefulWait() + time.Minute)
	require.NoError(t, NewPowerOffForceful(te.Env).Run(ctx, te.opts))
	require.Len(t, te.pcs.transitions(clients.TransitionForceOff), 1)

	comp = te.getComponent(t, "", "x3")
	assert.Equal(t, types.StatusPowerOffForcefullyCalled, comp.Status.Status)
	assert.Equal(t, 1, comp.EventStats.PowerOffForcefulAttempts)

	// Re-running does not escalate again: the status left the filter.
	require.NoError(t, NewPowerOffForceful(te.Env).Run(ctx, te.opts))
	assert.Len(t, te.pcs.transitions(clients.TransitionForceOff), 1)
}

func TestStatusStableInvariant(t *testing.T) {
	te := newTestEnv(t)
	te.pcs.states["x1"] = clients.PowerOn
	te.cfs.states["x1"] = clients.CFSComponent{
		ID: "x1", DesiredConfig: "cfg-1", ConfigurationStatus: clients.CFSConfigured,
	}

	te.putComponent(t, types.Component{
		ID: "x1", Enabled: true, Session: "S", Error: "old error",
		DesiredState: types.DesiredState{BootArtifacts: bootArtifacts, Configuration: "cfg-1"},
		ActualState:  types.ActualState{BootArtifacts: bootArtifacts},
		LastAction:   types.LastAction{Action: types.ActionPowerOn, NumAttempts: 1},
		Status:       types.StatusBlock{Status: types.StatusPowerOnCalled, Phase: types.PhasePoweringOn},
	})

	require.NoError(t, NewStatus(te.Env).Run(context.Background(), te.opts))

	comp := te.getComponent(t, "", "x1")
	assert.Equal(t, types.StatusStable, comp.Status.Status)
	assert.Equal(t, types.PhaseNone, comp.Status.Phase)
	assert.Empty(t, comp.Error)
	assert.Equal(t, types.ActionNone, comp.LastAction.Action)
	assert.Zero(t, comp.LastAction.NumAttempts)
}

func TestStatusOffTransitions(t *testing.T) {
	te := newTestEnv(t)
	te.pcs.states["idle"] = clients.PowerOff
	te.pcs.states["wants"] = clients.PowerOff

	te.putComponent(t, types.Component{ID: "idle", Enabled: true,
		Status: types.StatusBlock{Status: types.StatusOn}})
	te.putComponent(t, types.Component{ID: "wants", Enabled: true,
		DesiredState: types.DesiredState{BootArtifacts: bootArtifacts}})

	require.NoError(t, NewStatus(te.Env).Run(context.Background(), te.opts))

	idle := te.getComponent(t, "", "idle")
	assert.Equal(t, types.StatusOff, idle.Status.Status)
	assert.Equal(t, types.PhaseNone, idle.Status.Phase)

	wants := te.getComponent(t, "", "wants")
	assert.Equal(t, types.StatusOff, wants.Status.Status)
	assert.Equal(t, types.PhasePoweringOn, wants.Status.Phase)
}

func TestStatusShutdownChain(t *testing.T) {
	te := newTestEnv(t)
	te.pcs.states["x3"] = clients.PowerOn

	te.putComponent(t, types.Component{
		ID: "x3", Enabled: true, Session: "S",
		LastAction: types.LastAction{Action: types.ActionShutdownPending},
	})

	require.NoError(t, NewStatus(te.Env).Run(context.Background(), te.opts))

	comp := te.getComponent(t, "", "x3")
	assert.Equal(t, types.StatusPowerOffPending, comp.Status.Status)
	assert.Equal(t, types.PhasePoweringOff, comp.Status.Phase)
}

func TestStatusMissingObservationIsNoOp(t *testing.T) {
	te := newTestEnv(t)
	// PCS reports nothing for x1.
	te.putComponent(t, types.Component{
		ID: "x1", Enabled: true,
		Status: types.StatusBlock{Status: types.StatusPowerOnCalled, Phase: types.PhasePoweringOn},
	})

	require.NoError(t, NewStatus(te.Env).Run(context.Background(), te.opts))

	comp := te.getComponent(t, "", "x1")
	assert.Equal(t, types.StatusPowerOnCalled, comp.Status.Status, "missing observations leave status unchanged")
}

func TestStatusMarksExhaustedFailed(t *testing.T) {
	te := newTestEnv(t)
	te.pcs.states["x4"] = clients.PowerOff

	te.putComponent(t, types.Component{
		ID: "x4", Enabled: true, Error: "power fault",
		DesiredState: types.DesiredState{BootArtifacts: bootArtifacts},
		LastAction: types.LastAction{
			Action: types.ActionPowerOn, NumAttempts: 3, Failed: true,
		},
	})

	require.NoError(t, NewStatus(te.Env).Run(context.Background(), te.opts))

	comp := te.getComponent(t, "", "x4")
	assert.Equal(t, types.StatusFailed, comp.Status.Status)
	assert.Equal(t, "power fault", comp.Error)
	assert.LessOrEqual(t, comp.LastAction.NumAttempts, te.opts.DefaultRetryPolicy+1)
}

func TestConfigurationOperator(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	te.putComponent(t, types.Component{
		ID: "x1", Enabled: true,
		DesiredState: types.DesiredState{BootArtifacts: bootArtifacts, Configuration: "cfg-1"},
		ActualState:  types.ActualState{BootArtifacts: bootArtifacts},
		Status:       types.StatusBlock{Status: types.StatusStable, Phase: types.PhaseNone},
	})

	require.NoError(t, NewConfiguration(te.Env).Run(ctx, te.opts))

	comp := te.getComponent(t, "", "x1")
	assert.Equal(t, types.StatusConfiguring, comp.Status.Status)
	assert.Equal(t, types.PhaseConfiguring, comp.Status.Phase)
	require.Len(t, te.cfs.patches, 1)
	assert.Equal(t, "cfg-1", te.cfs.patches[0][0].DesiredConfig)

	// Once CFS reports configured, re-running does not re-post.
	state := te.cfs.states["x1"]
	state.ConfigurationStatus = clients.CFSConfigured
	te.cfs.states["x1"] = state
	te.putComponent(t, func() types.Component {
		c := te.getComponent(t, "", "x1")
		c.Status.Status = types.StatusStable
		c.Status.Phase = types.PhaseNone
		return c
	}())

	require.NoError(t, NewConfiguration(te.Env).Run(ctx, te.opts))
	assert.Len(t, te.cfs.patches, 1, "configured components are not re-posted")
}

func TestSessionCompletionAndCleanup(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	te.putSession(t, types.Session{
		Name: "S", Operation: types.OperationBoot,
		Status: types.SessionStatus{Status: types.SessionRunning, StartTime: *te.clock},
	})
	te.putComponent(t, types.Component{
		ID: "x1", Enabled: true, Session: "S",
		DesiredState: types.DesiredState{BootArtifacts: bootArtifacts},
		ActualState:  types.ActualState{BootArtifacts: bootArtifacts},
		Status:       types.StatusBlock{Status: types.StatusStable},
	})

	require.NoError(t, NewSessionCompletion(te.Env).Run(ctx, te.opts))

	sess := te.getSession(t, "", "S")
	assert.Equal(t, types.SessionComplete, sess.Status.Status)
	assert.False(t, sess.Status.EndTime.IsZero())

	// Cleanup refuses until the retention window passes.
	require.NoError(t, NewSessionCleanup(te.Env).Run(ctx, te.opts))
	te.getSession(t, "", "S")

	te.advance(te.opts.SessionRetention() + time.Hour)
	require.NoError(t, NewSessionCleanup(te.Env).Run(ctx, te.opts))

	_, err := te.Store.Get(ctx, storage.KindSessions, storage.Key("", "S"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, te.getComponent(t, "", "x1").Session, "components are detached on cleanup")
}

func TestActualStateCleanup(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	te.putComponent(t, types.Component{
		ID: "x1", Enabled: true,
		ActualState: types.ActualState{BootArtifacts: bootArtifacts, LastUpdated: *te.clock},
		Status:      types.StatusBlock{Status: types.StatusOn, Phase: types.PhaseConfiguring},
	})

	require.NoError(t, NewActualStateCleanup(te.Env).Run(ctx, te.opts))
	assert.False(t, te.getComponent(t, "", "x1").ActualState.IsZero())

	te.advance(te.opts.ActualStateTTL() + time.Hour)
	require.NoError(t, NewActualStateCleanup(te.Env).Run(ctx, te.opts))

	comp := te.getComponent(t, "", "x1")
	assert.True(t, comp.ActualState.IsZero())
	assert.Equal(t, types.StatusStable, comp.Status.Status)
	assert.Equal(t, types.PhaseNone, comp.Status.Phase)
}

// TestBootTwoNodesEndToEnd walks the full happy path: setup, power on,
// observation, completion.
func TestBootTwoNodesEndToEnd(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	te.hsm.nodes["x1"] = x86Node("x1")
	te.hsm.nodes["x2"] = x86Node("x2")
	te.pcs.states["x1"] = clients.PowerOff
	te.pcs.states["x2"] = clients.PowerOff

	te.putTemplate(t, types.SessionTemplate{
		Name: "T",
		BootSets: map[string]types.BootSet{
			"compute": {
				Name: "compute", NodeList: []string{"x1", "x2"}, Arch: types.ArchX86,
				Kernel: bootArtifacts.Kernel, Initrd: bootArtifacts.Initrd,
				RootfsProvider: bootArtifacts.RootfsProvider,
			},
		},
	})
	te.putSession(t, types.Session{
		Name: "S", TemplateName: "T", Operation: types.OperationBoot,
		Status: types.SessionStatus{Status: types.SessionPending},
	})

	require.NoError(t, NewSessionSetup(te.Env).Run(ctx, te.opts))
	require.NoError(t, NewStatus(te.Env).Run(ctx, te.opts))
	require.NoError(t, NewPowerOn(te.Env).Run(ctx, te.opts))

	for _, id := range []string{"x1", "x2"} {
		comp := te.getComponent(t, "", id)
		assert.Equal(t, types.StatusPowerOnCalled, comp.Status.Status)
		assert.Equal(t, 1, comp.LastAction.NumAttempts)
	}

	// Nodes come up on the right artifacts and report in.
	for _, id := range []string{"x1", "x2"} {
		te.pcs.states[id] = clients.PowerOn
		comp := te.getComponent(t, "", id)
		comp.ActualState = types.ActualState{BootArtifacts: bootArtifacts, LastUpdated: *te.clock}
		te.putComponent(t, comp)
	}

	require.NoError(t, NewStatus(te.Env).Run(ctx, te.opts))
	for _, id := range []string{"x1", "x2"} {
		assert.Equal(t, types.StatusStable, te.getComponent(t, "", id).Status.Status)
	}

	require.NoError(t, NewSessionCompletion(te.Env).Run(ctx, te.opts))
	sess := te.getSession(t, "", "S")
	assert.Equal(t, types.SessionComplete, sess.Status.Status)
}

// TestRetryExhaustionEndToEnd drives a component through failed power-on
// attempts until the retry budget runs out and the session completes with
// the component failed.
func TestRetryExhaustionEndToEnd(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	te.pcs.states["x4"] = clients.PowerOff
	te.pcs.failures["x4"] = "transition refused"

	te.putComponent(t, types.Component{
		ID: "x4", Enabled: true, Session: "S",
		DesiredState: types.DesiredState{BootArtifacts: bootArtifacts},
	})
	te.putSession(t, types.Session{
		Name: "S", Operation: types.OperationBoot,
		Status: types.SessionStatus{Status: types.SessionRunning, StartTime: *te.clock},
	})

	for attempt := 0; attempt < te.opts.DefaultRetryPolicy; attempt++ {
		require.NoError(t, NewStatus(te.Env).Run(ctx, te.opts))
		require.NoError(t, NewPowerOn(te.Env).Run(ctx, te.opts))
	}

	require.NoError(t, NewStatus(te.Env).Run(ctx, te.opts))

	comp := te.getComponent(t, "", "x4")
	assert.Equal(t, types.StatusFailed, comp.Status.Status)
	assert.True(t, comp.LastAction.Failed)
	assert.Equal(t, "transition refused", comp.Error)
	assert.LessOrEqual(t, comp.LastAction.NumAttempts, te.opts.DefaultRetryPolicy+1)

	require.NoError(t, NewSessionCompletion(te.Env).Run(ctx, te.opts))
	assert.Equal(t, types.SessionComplete, te.getSession(t, "", "S").Status.Status)
}

// TestTenantIsolation verifies a session under tenant a never touches
// tenant b's record of the same node id.
func TestTenantIsolation(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	te.hsm.nodes["n1"] = x86Node("n1")
	te.Tenants = &fakeTenants{owned: map[string]map[string]bool{
		"a": {"n1": true},
		"b": {"n1": true},
	}}

	te.putComponent(t, types.Component{ID: "n1", Tenant: "a", Enabled: true})
	te.putComponent(t, types.Component{ID: "n1", Tenant: "b", Enabled: true})

	te.putTemplate(t, types.SessionTemplate{
		Name: "T", Tenant: "a",
		BootSets: map[string]types.BootSet{
			"bs": {Name: "bs", NodeList: []string{"n1"}, Arch: types.ArchX86, Kernel: "k"},
		},
	})
	te.putSession(t, types.Session{
		Name: "S", Tenant: "a", TemplateName: "T", Operation: types.OperationBoot,
		Status: types.SessionStatus{Status: types.SessionPending},
	})

	require.NoError(t, NewSessionSetup(te.Env).Run(ctx, te.opts))

	assert.Equal(t, "S", te.getComponent(t, "a", "n1").Session)
	assert.Empty(t, te.getComponent(t, "b", "n1").Session, "tenant b's record must be untouched")
	assert.Empty(t, te.getComponent(t, "b", "n1").DesiredState.BootArtifacts.Kernel)
}
