package api

import (
	"encoding/json"
	"time"

	"github.com/baton-sh/conductor/pkg/types"
)

// Message types exchanged over the persistent channel. Agent-to-plane
// requests carry a correlation id; the plane echoes it on the reply.
const (
	MsgRegister       = "register"
	MsgRegistered     = "registered"
	MsgError          = "error"
	MsgHeartbeat      = "heartbeat"
	MsgHeartbeatAck   = "heartbeat-ack"
	MsgResourceUpdate = "resource-update"

	MsgResourcesUpdated = "resources-updated"
	MsgLiveUpdate       = "live-update"
	MsgWorkerOnline     = "worker-online"
	MsgWorkerOffline    = "worker-offline"

	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"

	MsgDeployInstruction = "deploy-instruction"
	MsgDeployStatus      = "deploy-status"
)

// Error codes carried in ErrorPayload
const (
	CodeAuthError       = "auth_error"
	CodeNotFound        = "not_found"
	CodeValidationError = "validation_error"
	CodeInternal        = "internal"
)

// Envelope frames every channel message
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals a payload into an envelope
func NewEnvelope(msgType, id string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, ID: id, Data: data}, nil
}

// DecodePayload unmarshals an envelope's data into v
func DecodePayload(env *Envelope, v any) error {
	return json.Unmarshal(env.Data, v)
}

// RegisterPayload is the agent's registration request
type RegisterPayload struct {
	Token     string                  `json:"token"`
	Hostname  string                  `json:"hostname"`
	Address   string                  `json:"address"`
	Resources *types.ResourceSnapshot `json:"resources,omitempty"`
	WorkerID  string                  `json:"worker_id,omitempty"`
}

// RegisteredPayload is the plane's registration reply
type RegisteredPayload struct {
	WorkerID string             `json:"worker_id"`
	Hostname string             `json:"hostname"`
	Address  string             `json:"address"`
	Status   types.WorkerStatus `json:"status"`
}

// ErrorPayload reports a request failure
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatPayload optionally carries a resource snapshot
type HeartbeatPayload struct {
	Resources *types.ResourceSnapshot `json:"resources,omitempty"`
}

// ResourceUpdatePayload is a standalone resource report
type ResourceUpdatePayload struct {
	Resources *types.ResourceSnapshot `json:"resources"`
}

// ResourcesUpdatedPayload is broadcast to monitoring subscribers
type ResourcesUpdatedPayload struct {
	WorkerID  string                  `json:"worker_id"`
	Resources *types.ResourceSnapshot `json:"resources"`
}

// WorkerOfflinePayload announces a liveness loss
type WorkerOfflinePayload struct {
	WorkerID  string              `json:"worker_id"`
	Timestamp time.Time           `json:"timestamp"`
	Reason    types.OfflineReason `json:"reason"`
}

// WorkerOnlinePayload announces a successful registration
type WorkerOnlinePayload struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SubscribePayload scopes a monitoring subscription to one worker
type SubscribePayload struct {
	WorkerID string `json:"worker_id"`
}

// DeployInstructionPayload pushes a lifecycle instruction to an agent
type DeployInstructionPayload struct {
	Instruction types.DeploymentInstruction `json:"instruction"`
}

// DeployStatusPayload reports an instruction outcome back to the plane
type DeployStatusPayload struct {
	ServiceName string                  `json:"service_name"`
	Action      types.Action            `json:"action"`
	Status      types.DeploymentOutcome `json:"status"`
	Error       string                  `json:"error,omitempty"`
}
