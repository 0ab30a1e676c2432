package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/bos/pkg/clients"
	"github.com/cuemby/bos/pkg/storage"
	"github.com/cuemby/bos/pkg/types"
)

// HardwareState is the slice of the HSM client the node-set computation
// needs; faked in tests.
type HardwareState interface {
	GetNodes(ctx context.Context, opts types.Options, ids []string) (map[string]clients.HSMComponent, error)
	GroupMembers(ctx context.Context, opts types.Options, group string) ([]string, error)
	RoleMembers(ctx context.Context, opts types.Options, role string) ([]string, error)
	LockedNodes(ctx context.Context, opts types.Options, ids []string) (map[string]bool, error)
}

// TenantLookup resolves a tenant to the nodes it owns.
type TenantLookup interface {
	OwnedNodes(ctx context.Context, opts types.Options, tenant string) (map[string]bool, error)
}

// NodeSetResult is the outcome of resolving one boot set for a session.
type NodeSetResult struct {
	// IDs are the nodes the session will drive, sorted.
	IDs []string

	// Skipped maps node id to the reason it was excluded from the session.
	Skipped map[string]string
}

// ErrLimitRequired is returned when session_limit_required is set and the
// session carries no limit.
var ErrLimitRequired = fmt.Errorf("session limit is required but not set")

// NodeSetParams carries everything ComputeNodeSet needs beyond the boot set
// itself.
type NodeSetParams struct {
	Tenant          string
	Limit           string
	IncludeDisabled bool
	SkipBadIDs      bool
}

// ComputeNodeSet resolves a boot set to the effective node set per the
// session-setup rules: union the selectors, then filter by architecture,
// enabled flag, HSM locks, tenant ownership, and the session limit.
//
// Unknown ids abort with an error unless SkipBadIDs is set, in which case
// they land in Skipped with a reason.
func ComputeNodeSet(ctx context.Context, store storage.Store, hsm HardwareState, tenants TenantLookup,
	opts types.Options, bootSet *types.BootSet, params NodeSetParams) (*NodeSetResult, error) {

	if opts.SessionLimitRequired && params.Limit == "" {
		return nil, ErrLimitRequired
	}
	if opts.RejectNids {
		if nid, found := firstNidSelector(bootSet, params.Limit); found {
			return nil, fmt.Errorf("selector %q looks like a NID; node ids are required (reject_nids is set)", nid)
		}
	}

	result := &NodeSetResult{Skipped: map[string]string{}}

	// Union of explicit nodes, group members, and role members.
	set := make(map[string]bool)
	for _, id := range bootSet.NodeList {
		set[id] = true
	}
	for _, group := range bootSet.NodeGroups {
		members, err := hsm.GroupMembers(ctx, opts, group)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			set[id] = true
		}
	}
	for _, role := range bootSet.NodeRolesGroups {
		members, err := hsm.RoleMembers(ctx, opts, role)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			set[id] = true
		}
	}
	if len(set) == 0 {
		return result, nil
	}

	ids := sortedKeys(set)

	// Architecture filter against HSM's view. Unknown ids are skipped or
	// rejected here, before any state is touched.
	known, err := hsm.GetNodes(ctx, opts, ids)
	if err != nil {
		return nil, err
	}
	wantArch := bootSet.Arch
	if wantArch == "" {
		wantArch = types.ArchX86
	}
	for _, id := range ids {
		node, ok := known[id]
		if !ok {
			if !params.SkipBadIDs {
				return nil, fmt.Errorf("unknown component id %q", id)
			}
			result.Skipped[id] = "not found in hardware state manager"
			delete(set, id)
			continue
		}
		if node.Arch != "" && node.Arch != types.ArchUnknown && node.Arch != wantArch {
			result.Skipped[id] = fmt.Sprintf("architecture %s does not match boot set (%s)", node.Arch, wantArch)
			delete(set, id)
		}
	}

	// Disabled filter against BOS's own component records. Nodes BOS has
	// never seen count as enabled; discovery will fill them in.
	if !params.IncludeDisabled {
		keys := make([]string, 0, len(set))
		for id := range set {
			keys = append(keys, storage.Key(params.Tenant, id))
		}
		records, err := store.GetMulti(ctx, storage.KindComponents, keys)
		if err != nil {
			return nil, err
		}
		for key, raw := range records {
			comp, err := decodeComponent(raw)
			if err != nil {
				continue
			}
			if !comp.Enabled {
				_, id := storage.SplitKey(key)
				result.Skipped[id] = "component is disabled"
				delete(set, id)
			}
		}
	}

	// HSM lock filter.
	locked, err := hsm.LockedNodes(ctx, opts, sortedKeys(set))
	if err != nil {
		return nil, err
	}
	for id := range locked {
		result.Skipped[id] = "locked by hardware state manager"
		delete(set, id)
	}

	// Tenant ownership filter.
	if params.Tenant != "" {
		owned, err := tenants.OwnedNodes(ctx, opts, params.Tenant)
		if err != nil {
			return nil, err
		}
		for id := range set {
			if !owned[id] {
				result.Skipped[id] = fmt.Sprintf("not owned by tenant %s", params.Tenant)
				delete(set, id)
			}
		}
	}

	// Session limit.
	if err := applyLimit(ctx, hsm, opts, set, result.Skipped, params.Limit); err != nil {
		return nil, err
	}

	result.IDs = sortedKeys(set)
	return result, nil
}

// applyLimit narrows the set with the session's limit selector. The selector
// is a comma-separated list of node ids or group names; "*" matches the
// whole set, "!item" removes item's nodes, "&item" intersects instead of
// unioning.
func applyLimit(ctx context.Context, hsm HardwareState, opts types.Options,
	set map[string]bool, skipped map[string]string, limit string) error {

	if limit == "" || limit == "*" {
		return nil
	}

	allowed := make(map[string]bool)
	for _, item := range strings.Split(limit, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		op := byte(0)
		if item[0] == '!' || item[0] == '&' {
			op = item[0]
			item = item[1:]
		}

		// An item names a node in the set, or failing that, an HSM group.
		members := map[string]bool{}
		switch {
		case item == "*":
			for id := range set {
				members[id] = true
			}
		case set[item]:
			members[item] = true
		default:
			if ids, err := hsm.GroupMembers(ctx, opts, item); err == nil {
				for _, id := range ids {
					members[id] = true
				}
			}
		}

		switch op {
		case '!':
			for id := range members {
				delete(allowed, id)
			}
		case '&':
			for id := range allowed {
				if !members[id] {
					delete(allowed, id)
				}
			}
		default:
			for id := range members {
				allowed[id] = true
			}
		}
	}

	for id := range set {
		if !allowed[id] {
			skipped[id] = "excluded by session limit"
			delete(set, id)
		}
	}
	return nil
}

// firstNidSelector returns the first selector that parses as a bare numeric
// node id. The heuristic matches plain integers and the conventional
// "nid000001" form.
func firstNidSelector(bootSet *types.BootSet, limit string) (string, bool) {
	check := make([]string, 0, len(bootSet.NodeList)+4)
	check = append(check, bootSet.NodeList...)
	for _, item := range strings.Split(limit, ",") {
		if item = strings.TrimSpace(item); item != "" && item != "*" {
			check = append(check, strings.TrimLeft(item, "!&"))
		}
	}

	for _, sel := range check {
		if _, err := strconv.Atoi(sel); err == nil {
			return sel, true
		}
		if rest, ok := strings.CutPrefix(strings.ToLower(sel), "nid"); ok {
			if _, err := strconv.Atoi(rest); err == nil {
				return sel, true
			}
		}
	}
	return "", false
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func decodeComponent(raw []byte) (types.Component, error) {
	var comp types.Component
	err := json.Unmarshal(raw, &comp)
	return comp, err
}
