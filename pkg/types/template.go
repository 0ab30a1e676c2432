package types

// Arch values accepted in a boot set. Unknown means the node has not
// reported an architecture and matches any boot set.
const (
	ArchX86     = "X86"
	ArchARM     = "ARM"
	ArchOther   = "Other"
	ArchUnknown = "Unknown"
)

// KnownArch reports whether arch is one of the accepted values.
func KnownArch(arch string) bool {
	switch arch {
	case ArchX86, ArchARM, ArchOther, ArchUnknown:
		return true
	}
	return false
}

// CFSParameters references the configuration applied after boot.
type CFSParameters struct {
	Configuration string `json:"configuration,omitempty"`
}

// BootSet binds a node selector to boot artifacts and configuration inside a
// session template. At least one of NodeList, NodeGroups, NodeRolesGroups
// must be non-empty.
type BootSet struct {
	Name                      string   `json:"name,omitempty"`
	NodeList                  []string `json:"node_list,omitempty"`
	NodeGroups                []string `json:"node_groups,omitempty"`
	NodeRolesGroups           []string `json:"node_roles_groups,omitempty"`
	Arch                      string   `json:"arch,omitempty"`
	Path                      string   `json:"path,omitempty"`
	Etag                      string   `json:"etag,omitempty"`
	Kernel                    string   `json:"kernel,omitempty"`
	KernelParameters          string   `json:"kernel_parameters,omitempty"`
	Initrd                    string   `json:"initrd,omitempty"`
	RootfsProvider            string   `json:"rootfs_provider,omitempty"`
	RootfsProviderPassthrough string   `json:"rootfs_provider_passthrough,omitempty"`
	CFS                       CFSParameters `json:"cfs,omitzero"`
}

// HasSelector reports whether the boot set names at least one node, group,
// or role.
func (b *BootSet) HasSelector() bool {
	return len(b.NodeList) > 0 || len(b.NodeGroups) > 0 || len(b.NodeRolesGroups) > 0
}

// Artifacts returns the boot identity this boot set asks for.
func (b *BootSet) Artifacts() BootArtifacts {
	return BootArtifacts{
		Kernel:                    b.Kernel,
		KernelParameters:          b.KernelParameters,
		Initrd:                    b.Initrd,
		RootfsProvider:            b.RootfsProvider,
		RootfsProviderPassthrough: b.RootfsProviderPassthrough,
	}
}

// SessionTemplate describes one or more boot sets. Keyed by <tenant>/<name>.
type SessionTemplate struct {
	Name        string             `json:"name"`
	Tenant      string             `json:"tenant"`
	Description string             `json:"description,omitempty"`
	EnableCFS   bool               `json:"enable_cfs"`
	CFS         CFSParameters      `json:"cfs,omitzero"`
	BootSets    map[string]BootSet `json:"boot_sets"`
}
