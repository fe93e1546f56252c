/*
Package runtime wraps containerd for the node agent's container
lifecycle management.

The deployment processor drives everything through the Runtime
interface, keyed by service name: a service maps to exactly one
container named conductor-<service> inside the "conductor" containerd
namespace. Deploy pulls the image, replaces any previous container for
the service, and starts a fresh task; Stop sends SIGTERM and escalates
to SIGKILL after a grace period; Update rebuilds the container, reusing
the recorded image when the new config omits one.

	Deploy:  pull image -> delete old container -> create -> start
	Stop:    SIGTERM -> wait (10s) -> SIGKILL -> delete task
	Restart: stop task -> start new task from same container
	Update:  Deploy with config merge (image fallback)
	Remove:  stop task -> delete container + snapshot

Missing containers and tasks are tolerated on the teardown paths so
that stop and remove are safe to repeat. Runtime failures surface
wrapped in the runtime error class so callers can report them without
inspecting containerd error details.
*/
package runtime
