package deployer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/baton-sh/conductor/pkg/errdefs"
	"github.com/baton-sh/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// call records one runtime invocation
type call struct {
	op      string
	service string
	cfg     *types.DeployConfig
}

// mockRuntime records lifecycle calls and fails on demand
type mockRuntime struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error // service -> error
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{fail: make(map[string]error)}
}

func (m *mockRuntime) record(op, service string, cfg *types.DeployConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{op: op, service: service, cfg: cfg})
	return m.fail[service]
}

func (m *mockRuntime) Deploy(_ context.Context, s string, cfg *types.DeployConfig) error {
	return m.record("deploy", s, cfg)
}
func (m *mockRuntime) Stop(_ context.Context, s string) error    { return m.record("stop", s, nil) }
func (m *mockRuntime) Restart(_ context.Context, s string) error { return m.record("restart", s, nil) }
func (m *mockRuntime) Update(_ context.Context, s string, cfg *types.DeployConfig) error {
	return m.record("update", s, cfg)
}
func (m *mockRuntime) Remove(_ context.Context, s string) error { return m.record("remove", s, nil) }
func (m *mockRuntime) Inspect(_ context.Context, s string) (*types.ContainerInfo, error) {
	return &types.ContainerInfo{ServiceName: s}, nil
}
func (m *mockRuntime) Close() error { return nil }

func (m *mockRuntime) recorded() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]call, len(m.calls))
	copy(out, m.calls)
	return out
}

// report captures one outcome delivered to the reporter
type report struct {
	service string
	action  types.Action
	outcome types.DeploymentOutcome
	err     error
}

// chanReporter forwards reports to a channel so tests can wait on them
type chanReporter struct {
	ch   chan report
	fail error
}

func newChanReporter() *chanReporter {
	return &chanReporter{ch: make(chan report, 16)}
}

func (r *chanReporter) ReportDeployment(service string, action types.Action, outcome types.DeploymentOutcome, execErr error) error {
	r.ch <- report{service: service, action: action, outcome: outcome, err: execErr}
	return r.fail
}

func (r *chanReporter) next(t *testing.T) report {
	t.Helper()
	select {
	case rep := <-r.ch:
		return rep
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deployment report")
		return report{}
	}
}

func deployInstr(service, image string) types.DeploymentInstruction {
	return types.DeploymentInstruction{
		Action:      types.ActionDeploy,
		ServiceName: service,
		Config:      &types.DeployConfig{Image: image},
	}
}

func TestInstructionsRunInArrivalOrder(t *testing.T) {
	rt := newMockRuntime()
	reporter := newChanReporter()
	d := New(rt, reporter, "")
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Enqueue(deployInstr("web", "nginx:1.27")))
	require.NoError(t, d.Enqueue(types.DeploymentInstruction{Action: types.ActionStop, ServiceName: "web"}))
	require.NoError(t, d.Enqueue(types.DeploymentInstruction{Action: types.ActionRestart, ServiceName: "web"}))
	require.NoError(t, d.Enqueue(types.DeploymentInstruction{Action: types.ActionRemove, ServiceName: "web"}))

	for i := 0; i < 4; i++ {
		rep := reporter.next(t)
		assert.Equal(t, types.DeploymentSuccess, rep.outcome)
	}

	calls := rt.recorded()
	require.Len(t, calls, 4)
	assert.Equal(t, "deploy", calls[0].op)
	assert.Equal(t, "stop", calls[1].op)
	assert.Equal(t, "restart", calls[2].op)
	assert.Equal(t, "remove", calls[3].op)
}

func TestFailureDoesNotStallQueue(t *testing.T) {
	rt := newMockRuntime()
	rt.fail["bad"] = errdefs.ErrRuntime
	reporter := newChanReporter()
	d := New(rt, reporter, "")
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Enqueue(deployInstr("bad", "broken:latest")))
	require.NoError(t, d.Enqueue(deployInstr("good", "nginx:1.27")))

	first := reporter.next(t)
	assert.Equal(t, "bad", first.service)
	assert.Equal(t, types.DeploymentFailed, first.outcome)
	assert.Error(t, first.err)

	second := reporter.next(t)
	assert.Equal(t, "good", second.service)
	assert.Equal(t, types.DeploymentSuccess, second.outcome)

	require.Len(t, rt.recorded(), 2)
}

func TestDeployWithoutImageNeverTouchesRuntime(t *testing.T) {
	rt := newMockRuntime()
	reporter := newChanReporter()
	d := New(rt, reporter, "")
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Enqueue(types.DeploymentInstruction{
		Action:      types.ActionDeploy,
		ServiceName: "web",
	}))

	rep := reporter.next(t)
	assert.Equal(t, types.DeploymentFailed, rep.outcome)
	assert.True(t, errdefs.IsValidation(rep.err))
	assert.Empty(t, rt.recorded())
}

func TestUnknownActionReportsValidationFailure(t *testing.T) {
	rt := newMockRuntime()
	reporter := newChanReporter()
	d := New(rt, reporter, "")
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Enqueue(types.DeploymentInstruction{
		Action:      types.Action("scale"),
		ServiceName: "web",
	}))

	rep := reporter.next(t)
	assert.Equal(t, types.DeploymentFailed, rep.outcome)
	assert.True(t, errdefs.IsValidation(rep.err))
	assert.Empty(t, rt.recorded())
}

func TestReporterFailureIsSwallowed(t *testing.T) {
	rt := newMockRuntime()
	reporter := newChanReporter()
	reporter.fail = errdefs.ErrTransport
	d := New(rt, reporter, "")
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Enqueue(deployInstr("web", "nginx:1.27")))
	require.NoError(t, d.Enqueue(deployInstr("api", "api:v2")))

	assert.Equal(t, "web", reporter.next(t).service)
	assert.Equal(t, "api", reporter.next(t).service)
	require.Len(t, rt.recorded(), 2)
}

func TestOverrideFileMergesIntoConfig(t *testing.T) {
	dir := t.TempDir()
	override := []byte("image: nginx:override\nenv:\n  - EXTRA=1\nlabels:\n  tier: edge\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.yaml"), override, 0644))

	rt := newMockRuntime()
	reporter := newChanReporter()
	d := New(rt, reporter, dir)
	d.Start()
	defer d.Stop()

	instr := deployInstr("web", "nginx:1.27")
	instr.Config.Env = []string{"BASE=1"}
	require.NoError(t, d.Enqueue(instr))

	rep := reporter.next(t)
	require.Equal(t, types.DeploymentSuccess, rep.outcome)

	calls := rt.recorded()
	require.Len(t, calls, 1)
	cfg := calls[0].cfg
	require.NotNil(t, cfg)
	assert.Equal(t, "nginx:override", cfg.Image)
	assert.Equal(t, []string{"BASE=1", "EXTRA=1"}, cfg.Env)
	assert.Equal(t, "edge", cfg.Labels["tier"])
}

func TestOverrideMergeLeavesInstructionConfigUntouched(t *testing.T) {
	dir := t.TempDir()
	override := []byte("env:\n  - EXTRA=1\nlabels:\n  tier: edge\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.yaml"), override, 0644))

	rt := newMockRuntime()
	reporter := newChanReporter()
	d := New(rt, reporter, dir)
	d.Start()
	defer d.Stop()

	instr := deployInstr("web", "nginx:1.27")
	instr.Config.Env = []string{"BASE=1"}
	instr.Config.Labels = map[string]string{"app": "web"}
	require.NoError(t, d.Enqueue(instr))

	rep := reporter.next(t)
	require.Equal(t, types.DeploymentSuccess, rep.outcome)

	calls := rt.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "edge", calls[0].cfg.Labels["tier"])

	// The instruction's own config must not pick up override values
	assert.Equal(t, []string{"BASE=1"}, instr.Config.Env)
	assert.Equal(t, map[string]string{"app": "web"}, instr.Config.Labels)
}

func TestMissingOverrideFileUsesInstructionConfig(t *testing.T) {
	rt := newMockRuntime()
	reporter := newChanReporter()
	d := New(rt, reporter, t.TempDir())
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Enqueue(deployInstr("web", "nginx:1.27")))

	rep := reporter.next(t)
	require.Equal(t, types.DeploymentSuccess, rep.outcome)

	calls := rt.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "nginx:1.27", calls[0].cfg.Image)
}
