package orchestrate

import "github.com/opsstack/reconstitute/pkg/rebuild"

// RecoveryRequest is the FSM input: everything one recovery run needs,
// fixed before the first mutating call.
type RecoveryRequest struct {
	SearchValue string

	// Launch parameters
	ImageID      string
	InstanceType string
	KeyName      string
	SubnetID     string
	Zone         string
	Label        string

	// Volumes reconstituted from the snapshot group, each carrying its
	// original device path.
	Volumes []rebuild.Volume

	// Optional steps
	SecurityGroups []string
	UserData       []byte // payload to inject; nil means none
	CloneSource    string // instance id to clone userData from; "" means none
	PowerOn        bool
}

// RecoveryResponse is the FSM output (accumulated across transitions).
type RecoveryResponse struct {
	// From Launch
	InstanceID string

	// From SwapRoot
	RootVolumeID string

	// From Attach
	AttachedCount int

	// From PowerOn
	PrivateDNSName string
	PrivateIP      string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateLaunch      = "launch"
	StateAwaitOnline = "await_online"
	StateStop        = "stop_instance"
	StateSwapRoot    = "swap_root_volume"
	StateAttach      = "attach_volumes"
	StateAccess      = "apply_access_groups"
	StateUserData    = "inject_userdata"
	StatePowerOn     = "power_on"
	StateComplete    = "complete"
	StateFailed      = "failed"
)

// Final statuses reported in RecoveryResponse.Status.
const (
	StatusStopped = "stopped"
	StatusOnline  = "online"
)

// Instance health values. HealthOK is the literal the provider reports for
// a passing status check; HealthTransitioning stands in for the window
// where the provider has not yet published health data.
const (
	HealthOK            = "ok"
	HealthStopped       = "stopped"
	HealthTransitioning = "transitioning"
)
