package clients

// Endpoints holds the base URLs of the external collaborators.
type Endpoints struct {
	PCS         string
	HSM         string
	BSS         string
	IMS         string
	ObjectStore string
	CFS         string
	TAPMS       string
}

// Set bundles one client per external collaborator. Operators receive a Set
// at construction and never build clients themselves.
type Set struct {
	PCS         *PCSClient
	HSM         *HSMClient
	BSS         *BSSClient
	IMS         *IMSClient
	ObjectStore *ObjectStoreClient
	CFS         *CFSClient
	Tenants     *TenantClient
}

// NewSet builds clients for all collaborators. sizeCap limits response
// bodies before decoding; zero means the package default.
func NewSet(endpoints Endpoints, sizeCap int64) *Set {
	return &Set{
		PCS:         NewPCSClient(endpoints.PCS, sizeCap),
		HSM:         NewHSMClient(endpoints.HSM, sizeCap),
		BSS:         NewBSSClient(endpoints.BSS, sizeCap),
		IMS:         NewIMSClient(endpoints.IMS, sizeCap),
		ObjectStore: NewObjectStoreClient(endpoints.ObjectStore, sizeCap),
		CFS:         NewCFSClient(endpoints.CFS, sizeCap),
		Tenants:     NewTenantClient(endpoints.TAPMS, sizeCap),
	}
}
