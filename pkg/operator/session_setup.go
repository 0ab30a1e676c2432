package operator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/bos/pkg/clients"
	"github.com/cuemby/bos/pkg/events"
	"github.com/cuemby/bos/pkg/log"
	"github.com/cuemby/bos/pkg/session"
	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// SessionSetup resolves pending sessions: it computes each boot set's
// effective node set, stamps desired (or staged) state onto the resolved
// components, and moves the session to running.
type SessionSetup struct {
	env    *Env
	logger zerolog.Logger
}

// NewSessionSetup creates the session-setup operator.
func NewSessionSetup(env *Env) *SessionSetup {
	return &SessionSetup{env: env, logger: log.WithOperator("session_setup")}
}

func (o *SessionSetup) Name() string { return "session_setup" }

func (o *SessionSetup) Interval(opts types.Options) time.Duration {
	return opts.PollingInterval()
}

func (o *SessionSetup) Run(ctx context.Context, opts types.Options) error {
	var pending []types.Session
	err := storage.ScanRecords(ctx, o.env.Store, storage.KindSessions, "", opts.BatchSize(),
		func(key string, sess types.Session) error {
			if sess.Status.Status == types.SessionPending {
				pending = append(pending, sess)
			}
			return nil
		})
	if err != nil {
		return err
	}

	for i := range pending {
		if err := o.setup(ctx, opts, &pending[i]); err != nil {
			o.logger.Error().Err(err).
				Str("tenant", pending[i].Tenant).
				Str("session", pending[i].Name).
				Msg("Session setup failed")
		}
	}
	return nil
}

func (o *SessionSetup) setup(ctx context.Context, opts types.Options, sess *types.Session) error {
	logger := log.WithSession(sess.Tenant, sess.Name)

	template, err := storage.GetRecord[types.SessionTemplate](ctx, o.env.Store,
		storage.KindSessionTemplates, storage.Key(sess.Tenant, sess.TemplateName))
	if errors.Is(err, storage.ErrNotFound) {
		return o.fail(ctx, sess, fmt.Sprintf("session template %q not found", sess.TemplateName))
	}
	if err != nil {
		return err
	}

	var resolved []string
	skipped := map[string]string{}

	for name, bootSet := range template.BootSets {
		bootSet := bootSet
		result, err := session.ComputeNodeSet(ctx, o.env.Store, o.env.HSM, o.env.Tenants, opts, &bootSet,
			session.NodeSetParams{
				Tenant:          sess.Tenant,
				Limit:           sess.Limit,
				IncludeDisabled: sess.IncludeDisabled,
				SkipBadIDs:      true,
			})
		if err != nil {
			return o.fail(ctx, sess, fmt.Sprintf("boot set %q: %v", name, err))
		}
		for id, reason := range result.Skipped {
			skipped[id] = reason
		}

		if err := o.tagImage(ctx, opts, &bootSet, logger); err != nil {
			if opts.IMSErrorsFatal {
				return o.fail(ctx, sess, fmt.Sprintf("boot set %q: %v", name, err))
			}
			logger.Warn().Err(err).Str("boot_set", name).Msg("Image check failed, continuing")
		}

		artifacts, err := o.resolveArtifacts(ctx, opts, &bootSet)
		if err != nil {
			return o.fail(ctx, sess, fmt.Sprintf("boot set %q: %v", name, err))
		}

		configuration := configurationFor(&template, &bootSet)
		for _, id := range result.IDs {
			if err := o.stampComponent(ctx, sess, artifacts, configuration, id); err != nil {
				return err
			}
			resolved = append(resolved, id)
		}
	}

	sort.Strings(resolved)
	now := o.env.now()
	err = storage.PatchRecord(ctx, o.env.Store, storage.KindSessions,
		storage.Key(sess.Tenant, sess.Name), func(s *types.Session) error {
			s.Components = resolved
			s.Status.Status = types.SessionRunning
			s.Status.StartTime = now
			if len(skipped) > 0 {
				s.Status.Error = skipReport(skipped)
			}
			return nil
		})
	if err != nil {
		return err
	}

	o.env.Events.Publish(events.EventSessionRunning, "session setup complete", map[string]string{
		"tenant": sess.Tenant, "session": sess.Name,
	})
	logger.Info().Int("components", len(resolved)).Int("skipped", len(skipped)).Msg("Session running")
	return nil
}

// resolveArtifacts returns the boot identity a boot set asks for. Kernel and
// initrd fall back to the boot set's image manifest when not spelled out
// explicitly; a manifest that cannot be fetched or is missing the needed
// artifact fails the session rather than booting nodes with an empty goal.
func (o *SessionSetup) resolveArtifacts(ctx context.Context, opts types.Options, bootSet *types.BootSet) (types.BootArtifacts, error) {
	artifacts := bootSet.Artifacts()
	if bootSet.Path == "" || (artifacts.Kernel != "" && artifacts.Initrd != "") {
		return artifacts, nil
	}

	manifest, err := o.env.ObjectStore.GetManifest(ctx, opts, bootSet.Path)
	if err != nil {
		return artifacts, fmt.Errorf("fetching boot manifest %s: %w", bootSet.Path, err)
	}

	if artifacts.Kernel == "" {
		entry := manifest.Artifact("kernel")
		if entry == nil {
			return artifacts, fmt.Errorf("manifest %s has no kernel artifact", bootSet.Path)
		}
		artifacts.Kernel = entry.Link.Path
	}
	if artifacts.Initrd == "" {
		if entry := manifest.Artifact("initrd"); entry != nil {
			artifacts.Initrd = entry.Link.Path
		}
	}
	return artifacts, nil
}

// stampComponent writes the session's goal onto one component, creating the
// record if BOS has never seen the node.
func (o *SessionSetup) stampComponent(ctx context.Context, sess *types.Session, artifacts types.BootArtifacts, configuration, id string) error {
	key := storage.Key(sess.Tenant, id)

	mutate := func(c *types.Component) error {
		c.ID = id
		c.Tenant = sess.Tenant
		c.Enabled = true
		c.Session = sess.Name
		c.LastAction = types.LastAction{Action: types.ActionNone}
		c.Error = ""
		c.EventStats = types.EventStats{}

		desired := types.DesiredState{
			BootArtifacts: artifacts,
			Configuration: configuration,
		}

		switch {
		case sess.Stage:
			c.StagedState = types.StagedState{
				BootArtifacts: desired.BootArtifacts,
				Configuration: desired.Configuration,
				Session:       sess.Name,
			}
		case sess.Operation == types.OperationShutdown:
			// Goal is off: clear the boot artifacts and flag the shutdown so
			// the status operator starts the power-off chain.
			c.DesiredState = types.DesiredState{}
			c.LastAction.Action = types.ActionShutdownPending
		default:
			c.DesiredState = desired
			// A boot or reboot invalidates a stale observed identity.
			if !c.ActualState.IsZero() && !c.ActualState.BootArtifacts.Equal(desired.BootArtifacts) {
				c.ActualState = types.ActualState{}
			}
		}
		return nil
	}

	err := storage.PatchRecord(ctx, o.env.Store, storage.KindComponents, key, mutate)
	if errors.Is(err, storage.ErrNotFound) {
		comp := types.Component{}
		if mErr := mutate(&comp); mErr != nil {
			return mErr
		}
		return storage.PutRecord(ctx, o.env.Store, storage.KindComponents, key, comp)
	}
	return err
}

// tagImage marks the boot set's image for SBPS when applicable, and checks
// existence when the options demand it.
func (o *SessionSetup) tagImage(ctx context.Context, opts types.Options, bootSet *types.BootSet, logger zerolog.Logger) error {
	imageID := clients.ImageIDFromPath(bootSet.Path)
	if imageID == "" {
		return nil
	}

	img, err := o.env.IMS.GetImage(ctx, opts, imageID)
	if errors.Is(err, clients.ErrImageNotFound) {
		if opts.IMSImagesMustExist {
			return fmt.Errorf("image %s does not exist", imageID)
		}
		logger.Warn().Str("image", imageID).Msg("Boot set references an unknown image")
		return nil
	}
	if err != nil {
		return err
	}

	if strings.EqualFold(bootSet.RootfsProvider, clients.RootfsProviderSBPS) {
		if err := o.env.IMS.TagImage(ctx, opts, img.ID, clients.SBPSProjectTag, "true"); err != nil {
			return fmt.Errorf("tagging image %s: %w", img.ID, err)
		}
	}
	return nil
}

func (o *SessionSetup) fail(ctx context.Context, sess *types.Session, reason string) error {
	now := o.env.now()
	return storage.PatchRecord(ctx, o.env.Store, storage.KindSessions,
		storage.Key(sess.Tenant, sess.Name), func(s *types.Session) error {
			s.Status.Status = types.SessionComplete
			s.Status.Error = reason
			s.Status.StartTime = now
			s.Status.EndTime = now
			return nil
		})
}

// configurationFor picks the boot set's CFS override over the template's.
func configurationFor(template *types.SessionTemplate, bootSet *types.BootSet) string {
	if bootSet.CFS.Configuration != "" {
		return bootSet.CFS.Configuration
	}
	if template.EnableCFS {
		return template.CFS.Configuration
	}
	return ""
}

// skipReport flattens skip reasons into one deterministic error string.
func skipReport(skipped map[string]string) string {
	ids := make([]string, 0, len(skipped))
	for id := range skipped {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s (%s)", id, skipped[id])
	}
	return "skipped components: " + strings.Join(parts, ", ")
}
