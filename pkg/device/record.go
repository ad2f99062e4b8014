package device

import (
	"sync"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// Status is a DeviceRecord's lifecycle state (§3.1, §3.3).
type Status string

const (
	StatusRegistered  Status = "registered"
	StatusConnecting  Status = "connecting"
	StatusConnected   Status = "connected"
	StatusBusy        Status = "busy"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Binding is the DeviceManager-side mirror of a constellation node's
// device_binding (§3.1). It is a separate type from
// constellation.DeviceBinding so that package device never imports
// package constellation, preserving the §2 dependency order (L3
// depends only on L2); the scheduler, which sits above both, converts
// between the two when asking the manager for an eligible device.
type Binding struct {
	DeviceID     string
	Capabilities []string
	OS           string
}

// Spec is the caller-supplied payload for Register (§6 DeviceSpec).
type Spec struct {
	DeviceID     string
	Endpoint     string
	Capabilities []string
	OS           string
	Metadata     map[string]string
	AutoConnect  bool
	MaxRetries   int

	// AuthSecret, when non-empty, requires the device's register frame
	// to carry a bearer token (§6 Frame.token) signed with this shared
	// secret; empty leaves the register handshake unauthenticated.
	AuthSecret string
}

// Record is a single device's bookkeeping (§3.1). Each Record owns its
// own lock; operations on different devices are independent (§5).
type Record struct {
	mu sync.Mutex

	DeviceID          string
	Endpoint          string
	EndpointAddr      multiaddr.Multiaddr // parsed/validated form of Endpoint, when parseable
	Capabilities      []string
	OS                string
	Metadata          map[string]string
	Status            Status
	CurrentTaskID     string
	LastHeartbeatAt   time.Time
	ReconnectAttempts int
	MaxRetries        int
	AuthSecret        string

	tasksDispatched int // for least-loaded tie-break (§4.4 step 3b)
}

func newRecord(spec Spec) *Record {
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	addr, _ := multiaddr.NewMultiaddr(spec.Endpoint) // best-effort; a bare host:port or URL is allowed to fail parsing
	return &Record{
		DeviceID:     spec.DeviceID,
		Endpoint:     spec.Endpoint,
		EndpointAddr: addr,
		Capabilities: append([]string(nil), spec.Capabilities...),
		OS:           spec.OS,
		Metadata:     spec.Metadata,
		Status:       StatusRegistered,
		MaxRetries:   maxRetries,
		AuthSecret:   spec.AuthSecret,
	}
}

// Snapshot returns a value copy safe to hand to callers outside the
// manager's lock.
func (r *Record) Snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r
	cp.Capabilities = append([]string(nil), r.Capabilities...)
	return cp
}

// IsEligible implements §4.3's eligibility predicate: a device is
// eligible for a binding iff it is connected and either the binding
// names this exact device, or the binding's required capability set is
// a subset of the device's and the OS tag (if any) matches.
func (r *Record) IsEligible(b Binding) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status != StatusConnected {
		return false
	}
	if b.DeviceID != "" {
		return b.DeviceID == r.DeviceID
	}
	if b.OS != "" && b.OS != r.OS {
		return false
	}
	have := make(map[string]bool, len(r.Capabilities))
	for _, c := range r.Capabilities {
		have[c] = true
	}
	for _, need := range b.Capabilities {
		if !have[need] {
			return false
		}
	}
	return true
}

// TasksDispatched returns the count used for the least-loaded
// tie-break (§4.4 step 3b).
func (r *Record) TasksDispatched() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasksDispatched
}
