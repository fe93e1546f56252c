package storage

import (
	"github.com/baton-sh/conductor/pkg/types"
)

// Store is the abstract repository behind the worker registry and the
// token manager. Lookup misses return an error wrapping
// errdefs.ErrNotFound so callers can distinguish them from storage
// failures.
type Store interface {
	// Workers
	CreateWorker(worker *types.WorkerRecord) error
	GetWorker(id string) (*types.WorkerRecord, error)
	GetWorkerByHostname(hostname string) (*types.WorkerRecord, error)
	GetWorkerByAddress(address string) (*types.WorkerRecord, error)
	ListWorkers() ([]*types.WorkerRecord, error)
	UpdateWorker(worker *types.WorkerRecord) error
	DeleteWorker(id string) error

	// Tokens. ReplaceToken deactivates every stored token and writes
	// the new one in a single transaction.
	ReplaceToken(token *types.RegistrationToken) error
	GetToken(value string) (*types.RegistrationToken, error)
	ListTokens() ([]*types.RegistrationToken, error)

	// Utility
	Close() error
}
