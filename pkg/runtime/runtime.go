package runtime

import (
	"context"

	"github.com/baton-sh/conductor/pkg/types"
)

// Runtime is the container lifecycle surface the deployment processor
// drives. Implementations key everything by service name; one service
// maps to at most one managed container.
type Runtime interface {
	// Deploy pulls the image and starts a container for the service.
	// An existing container for the same service is replaced.
	Deploy(ctx context.Context, serviceName string, cfg *types.DeployConfig) error

	// Stop stops the service's container, leaving it in place for a
	// later restart.
	Stop(ctx context.Context, serviceName string) error

	// Restart stops and starts the service's container
	Restart(ctx context.Context, serviceName string) error

	// Update replaces the service's container with one built from cfg.
	// A nil image in cfg reuses the current image.
	Update(ctx context.Context, serviceName string, cfg *types.DeployConfig) error

	// Remove stops and deletes the service's container
	Remove(ctx context.Context, serviceName string) error

	// Inspect reports the service's container state
	Inspect(ctx context.Context, serviceName string) (*types.ContainerInfo, error)

	// Close releases the runtime connection
	Close() error
}
