package types

import (
	"time"
)

// WorkerRecord is the canonical control-plane view of a compute node.
// The ID is immutable once created; hostname and address are
// reconciliation hints, not identity keys.
type WorkerRecord struct {
	ID        string            `json:"id"`
	Hostname  string            `json:"hostname"`
	Address   string            `json:"address"`
	Status    WorkerStatus      `json:"status"`
	LastSeen  time.Time         `json:"last_seen"`
	Resources *ResourceSnapshot `json:"resources,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// WorkerStatus represents the liveness state of a worker
type WorkerStatus string

const (
	WorkerStatusOnline  WorkerStatus = "online"
	WorkerStatusOffline WorkerStatus = "offline"

	// WorkerStatusDegraded is reserved for future partial-failure
	// detection. Nothing produces it today; the only legal transitions
	// are online <-> offline.
	WorkerStatusDegraded WorkerStatus = "degraded"
)

// ResourceSnapshot is an opaque point-in-time resource sample shipped
// with registrations and heartbeats
type ResourceSnapshot struct {
	CPUCores    int   `json:"cpu_cores"`
	MemoryBytes int64 `json:"memory_bytes"`
	DiskBytes   int64 `json:"disk_bytes"`
}

// RegistrationToken is the shared secret permitting an agent to join
// the fleet. Regeneration deactivates all prior tokens.
type RegistrationToken struct {
	Value     string     `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
}

// Expired reports whether the token has an expiry in the past.
func (t *RegistrationToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Action is a container lifecycle verb carried by a deployment
// instruction. It is dispatched exhaustively by the agent's command
// processor.
type Action string

const (
	ActionDeploy  Action = "deploy"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionUpdate  Action = "update"
	ActionRemove  Action = "remove"
)

// DeploymentInstruction describes one lifecycle action against a named
// service. Instructions live only in the agent's in-memory queue; they
// are consumed and discarded after processing.
type DeploymentInstruction struct {
	Action      Action        `json:"action"`
	ServiceName string        `json:"service_name"`
	Config      *DeployConfig `json:"config,omitempty"`
}

// DeployConfig carries the runtime parameters for deploy and update
// actions. Image is mandatory for deploys.
type DeployConfig struct {
	Image  string            `json:"image" yaml:"image"`
	Env    []string          `json:"env,omitempty" yaml:"env,omitempty"`
	Ports  []*PortMapping    `json:"ports,omitempty" yaml:"ports,omitempty"`
	Mounts []*VolumeMount    `json:"mounts,omitempty" yaml:"mounts,omitempty"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// PortMapping defines port exposure for a deployed service
type PortMapping struct {
	ContainerPort int    `json:"container_port" yaml:"container_port"`
	HostPort      int    `json:"host_port" yaml:"host_port"`
	Protocol      string `json:"protocol" yaml:"protocol"` // "tcp" or "udp"
}

// VolumeMount defines a bind mount for a deployed service
type VolumeMount struct {
	Source   string `json:"source" yaml:"source"`
	Target   string `json:"target" yaml:"target"`
	ReadOnly bool   `json:"read_only" yaml:"read_only"`
}

// DeploymentOutcome is the result reported back to the control plane
// after an instruction is processed
type DeploymentOutcome string

const (
	DeploymentSuccess DeploymentOutcome = "success"
	DeploymentFailed  DeploymentOutcome = "failed"
)

// OfflineReason explains why a worker was marked offline
type OfflineReason string

const (
	// ReasonDisconnect: the live connection closed.
	ReasonDisconnect OfflineReason = "disconnect"

	// ReasonHeartbeatTimeout: the connection stayed open but went
	// silent past the liveness threshold.
	ReasonHeartbeatTimeout OfflineReason = "heartbeat_timeout"

	// ReasonPersistedTimeout: persisted state says online but no
	// connection is tracked, typically after a control-plane restart.
	ReasonPersistedTimeout OfflineReason = "persisted_timeout"
)

// AgentIdentity is the single record an agent persists locally so it
// can re-claim its worker id after a restart
type AgentIdentity struct {
	WorkerID string    `json:"worker_id"`
	StoredAt time.Time `json:"stored_at"`
}

// ContainerState represents the runtime state of a managed container
type ContainerState string

const (
	ContainerStateRunning ContainerState = "running"
	ContainerStateStopped ContainerState = "stopped"
	ContainerStateUnknown ContainerState = "unknown"
)

// ContainerInfo is the inspection result for a managed container
type ContainerInfo struct {
	ServiceName string         `json:"service_name"`
	ContainerID string         `json:"container_id"`
	Image       string         `json:"image"`
	State       ContainerState `json:"state"`
	StartedAt   time.Time      `json:"started_at"`
}
