// Package deployer processes deployment instructions on a node agent.
//
// Instructions are executed strictly in arrival order by a single
// drain goroutine. A failed instruction never stalls the queue: the
// failure is reported and the next instruction runs. Status-report
// failures are logged and swallowed so a flaky channel cannot block
// deployments.
package deployer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/baton-sh/conductor/pkg/errdefs"
	"github.com/baton-sh/conductor/pkg/log"
	"github.com/baton-sh/conductor/pkg/runtime"
	"github.com/baton-sh/conductor/pkg/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const queueSize = 128

// execTimeout bounds a single instruction so one wedged image pull
// cannot stall the queue forever.
const execTimeout = 5 * time.Minute

// StatusReporter sends instruction outcomes back to the control
// plane. Implemented by the agent's channel client.
type StatusReporter interface {
	ReportDeployment(serviceName string, action types.Action, outcome types.DeploymentOutcome, execErr error) error
}

// Deployer owns the instruction queue for one agent
type Deployer struct {
	runtime  runtime.Runtime
	reporter StatusReporter
	logger   zerolog.Logger

	// overrideDir holds per-service YAML override files merged into
	// deploy and update configs. Empty disables overrides.
	overrideDir string

	queue  chan types.DeploymentInstruction
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a deployer draining into rt
func New(rt runtime.Runtime, reporter StatusReporter, overrideDir string) *Deployer {
	return &Deployer{
		runtime:     rt,
		reporter:    reporter,
		logger:      log.WithComponent("deployer"),
		overrideDir: overrideDir,
		queue:       make(chan types.DeploymentInstruction, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the drain loop
func (d *Deployer) Start() {
	d.wg.Add(1)
	go d.drain()
}

// Stop stops the drain loop after the in-flight instruction finishes
func (d *Deployer) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Enqueue appends an instruction to the queue. Returns an error only
// when the queue is full or the deployer is stopped; ordering among
// accepted instructions is always arrival order.
func (d *Deployer) Enqueue(instr types.DeploymentInstruction) error {
	select {
	case d.queue <- instr:
		return nil
	case <-d.stopCh:
		return fmt.Errorf("deployer is stopped")
	default:
		return fmt.Errorf("deployment queue is full")
	}
}

func (d *Deployer) drain() {
	defer d.wg.Done()

	for {
		select {
		case instr := <-d.queue:
			d.process(instr)
		case <-d.stopCh:
			return
		}
	}
}

// process runs one instruction to completion and reports the outcome
func (d *Deployer) process(instr types.DeploymentInstruction) {
	ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
	defer cancel()

	err := d.execute(ctx, instr)

	outcome := types.DeploymentSuccess
	if err != nil {
		outcome = types.DeploymentFailed
		d.logger.Error().Err(err).
			Str("service", instr.ServiceName).
			Str("action", string(instr.Action)).
			Msg("instruction failed")
	} else {
		d.logger.Info().
			Str("service", instr.ServiceName).
			Str("action", string(instr.Action)).
			Msg("instruction completed")
	}

	if d.reporter == nil {
		return
	}
	if reportErr := d.reporter.ReportDeployment(instr.ServiceName, instr.Action, outcome, err); reportErr != nil {
		// A lost report must not block the queue
		d.logger.Warn().Err(reportErr).
			Str("service", instr.ServiceName).
			Msg("failed to report deployment status")
	}
}

// execute validates the instruction and dispatches on its action.
// Validation failures never touch the runtime.
func (d *Deployer) execute(ctx context.Context, instr types.DeploymentInstruction) error {
	if instr.ServiceName == "" {
		return errdefs.Validationf("instruction has no service name")
	}

	switch instr.Action {
	case types.ActionDeploy:
		cfg, err := d.effectiveConfig(instr)
		if err != nil {
			return err
		}
		if cfg == nil || cfg.Image == "" {
			return errdefs.Validationf("deploy of %s requires an image", instr.ServiceName)
		}
		return d.runtime.Deploy(ctx, instr.ServiceName, cfg)

	case types.ActionStop:
		return d.runtime.Stop(ctx, instr.ServiceName)

	case types.ActionRestart:
		return d.runtime.Restart(ctx, instr.ServiceName)

	case types.ActionUpdate:
		cfg, err := d.effectiveConfig(instr)
		if err != nil {
			return err
		}
		return d.runtime.Update(ctx, instr.ServiceName, cfg)

	case types.ActionRemove:
		return d.runtime.Remove(ctx, instr.ServiceName)

	default:
		return errdefs.Validationf("unknown action %q for %s", instr.Action, instr.ServiceName)
	}
}

// effectiveConfig merges the instruction's config with the service's
// local override file, when one exists. Override values win.
func (d *Deployer) effectiveConfig(instr types.DeploymentInstruction) (*types.DeployConfig, error) {
	cfg := instr.Config
	if d.overrideDir == "" {
		return cfg, nil
	}

	path := filepath.Join(d.overrideDir, instr.ServiceName+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read override for %s: %w", instr.ServiceName, err)
	}

	var override types.DeployConfig
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, errdefs.Validationf("malformed override for %s: %v", instr.ServiceName, err)
	}

	if cfg == nil {
		cfg = &types.DeployConfig{}
	}

	// The merge must never mutate the instruction's own config, so the
	// env slice and label map are copied, not aliased.
	merged := *cfg
	if override.Image != "" {
		merged.Image = override.Image
	}
	if len(override.Env) > 0 {
		merged.Env = append(append([]string(nil), cfg.Env...), override.Env...)
	}
	if len(override.Ports) > 0 {
		merged.Ports = override.Ports
	}
	if len(override.Mounts) > 0 {
		merged.Mounts = override.Mounts
	}
	if len(override.Labels) > 0 {
		labels := make(map[string]string, len(cfg.Labels)+len(override.Labels))
		for k, v := range cfg.Labels {
			labels[k] = v
		}
		for k, v := range override.Labels {
			labels[k] = v
		}
		merged.Labels = labels
	}

	d.logger.Debug().Str("service", instr.ServiceName).Str("path", path).Msg("applied local override")
	return &merged, nil
}
