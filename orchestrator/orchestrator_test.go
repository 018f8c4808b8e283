package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// Fake Engine
// =============================================================================

type fakeContainer struct {
	image   string
	status  string
	env     []string
	mounts  []VolumeMount
	restart string
}

// fakeEngine records every call so tests can assert on side effects (or the
// absence of them).
type fakeEngine struct {
	calls      []string
	containers map[string]*fakeContainer
	volumes    map[string]int // name → create count
	images     map[string]bool

	pingErr   error
	stopErr   error
	removeErr error
	buildErr  error
	volumeErr error
	createErr error
	startErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]*fakeContainer),
		volumes:    make(map[string]int),
		images:     make(map[string]bool),
	}
}

func (f *fakeEngine) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Ping(ctx context.Context) error {
	f.record("ping")
	return f.pingErr
}

func (f *fakeEngine) StopContainer(ctx context.Context, name string) error {
	f.record("stop " + name)
	if f.stopErr != nil {
		return f.stopErr
	}
	c, ok := f.containers[name]
	if !ok {
		return &EngineError{Op: "stop container", Ref: name, Err: ErrNotFound}
	}
	c.status = "exited"
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, name string) error {
	f.record("remove " + name)
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.containers[name]; !ok {
		return &EngineError{Op: "remove container", Ref: name, Err: ErrNotFound}
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.record("create " + spec.Name)
	if f.createErr != nil {
		return "", f.createErr
	}
	if _, ok := f.containers[spec.Name]; ok {
		return "", &EngineError{Op: "create container", Ref: spec.Name, Err: ErrAlreadyExists}
	}
	f.containers[spec.Name] = &fakeContainer{
		image:   spec.Image,
		status:  "created",
		env:     spec.Env,
		mounts:  spec.Mounts,
		restart: spec.RestartPolicy,
	}
	return "id-" + spec.Name, nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, name string) error {
	f.record("start " + name)
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[name]
	if !ok {
		return &EngineError{Op: "start container", Ref: name, Err: ErrNotFound}
	}
	c.status = "running"
	return nil
}

func (f *fakeEngine) InspectContainer(ctx context.Context, name string) (*ContainerState, error) {
	f.record("inspect " + name)
	c, ok := f.containers[name]
	if !ok {
		return nil, &EngineError{Op: "inspect container", Ref: name, Err: ErrNotFound}
	}
	return &ContainerState{
		ID:     "id-" + name,
		Name:   name,
		Image:  c.image,
		Status: c.status,
		Ports:  []PortBinding{{ContainerPort: 8080, HostPort: 8080, Protocol: "tcp"}},
	}, nil
}

func (f *fakeEngine) BuildImage(ctx context.Context, contextDir, tag string, progress func(string)) error {
	f.record("build " + tag)
	if f.buildErr != nil {
		return f.buildErr
	}
	f.images[tag] = true
	if progress != nil {
		progress("Step 1/1 : FROM scratch")
	}
	return nil
}

func (f *fakeEngine) CreateVolume(ctx context.Context, name string) error {
	f.record("volume " + name)
	if f.volumeErr != nil {
		return f.volumeErr
	}
	if f.volumes[name] > 0 {
		return &EngineError{Op: "create volume", Ref: name, Err: ErrAlreadyExists}
	}
	f.volumes[name]++
	return nil
}

func (f *fakeEngine) Close() error {
	return nil
}

// =============================================================================
// Test Helpers
// =============================================================================

func testConfig(t *testing.T) *Config {
	t.Helper()

	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("BOT_TOKEN=abc123\nLOG_LEVEL=INFO\n"), 0644))

	return &Config{
		ContainerName: "audio-bot",
		ImageName:     "audio-bot:latest",
		DataVolume:    "audio-bot-data",
		LogsVolume:    "audio-bot-logs",
		EnvFile:       envFile,
		BuildContext:  dir,
		DataMount:     "/app/data",
		LogsMount:     "/app/logs",
		Port:          8080,
	}
}

func newTestOrchestrator(cfg *Config, engine Engine) *Orchestrator {
	return New(cfg, engine, zap.NewNop())
}

// =============================================================================
// Prerequisite Tests
// =============================================================================

func TestDeploy_MissingEnvFile_NoSideEffects(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnvFile = filepath.Join(t.TempDir(), "does-not-exist.env")
	engine := newFakeEngine()

	result, err := newTestOrchestrator(cfg, engine).Deploy(context.Background())

	require.Error(t, err)
	assert.Equal(t, MissingConfiguration, KindOf(err))
	assert.Equal(t, StateAborted, result.State)
	assert.Empty(t, engine.calls, "no engine command may run before validation passes")
}

func TestDeploy_EngineUnreachable_NoSideEffects(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()
	engine.pingErr = &EngineError{Op: "ping", Err: errors.New("cannot connect to the Docker daemon")}

	result, err := newTestOrchestrator(cfg, engine).Deploy(context.Background())

	require.Error(t, err)
	assert.Equal(t, MissingDependency, KindOf(err))
	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, []string{"ping"}, engine.calls, "only the reachability probe may run")
}

// =============================================================================
// Full Run Tests
// =============================================================================

func TestDeploy_HappyPath(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()

	result, err := newTestOrchestrator(cfg, engine).Deploy(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateReported, result.State)
	assert.Equal(t, []State{
		StateInit, StateValidated, StateRetired, StateBuilt,
		StateProvisioned, StateStarted, StateReported,
	}, result.Trace)

	require.NotNil(t, result.Report)
	assert.Equal(t, "audio-bot", result.Report.Name)
	assert.Equal(t, "running", result.Report.Status)

	assert.Equal(t, []string{
		"ping",
		"stop audio-bot",
		"build audio-bot:latest",
		"volume audio-bot-data",
		"volume audio-bot-logs",
		"create audio-bot",
		"start audio-bot",
		"inspect audio-bot",
	}, engine.calls)

	c := engine.containers["audio-bot"]
	require.NotNil(t, c)
	assert.Equal(t, "unless-stopped", c.restart)
	assert.Contains(t, c.env, "BOT_TOKEN=abc123")
	assert.Equal(t, []VolumeMount{
		{Volume: "audio-bot-data", Path: "/app/data"},
		{Volume: "audio-bot-logs", Path: "/app/logs"},
	}, c.mounts)
}

func TestDeploy_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()
	orch := newTestOrchestrator(cfg, engine)

	_, err := orch.Deploy(context.Background())
	require.NoError(t, err)
	_, err = orch.Deploy(context.Background())
	require.NoError(t, err)

	assert.Len(t, engine.containers, 1, "consecutive runs must not accumulate instances")
	assert.Equal(t, "running", engine.containers["audio-bot"].status)
	assert.Equal(t, 1, engine.volumes["audio-bot-data"], "existing volume must not be recreated")
	assert.Equal(t, 1, engine.volumes["audio-bot-logs"])
}

func TestDeploy_ObserverSeesEveryStep(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()
	orch := newTestOrchestrator(cfg, engine)

	var seen []State
	orch.OnStep(func(event StepEvent) {
		if len(seen) == 0 || seen[len(seen)-1] != event.State {
			seen = append(seen, event.State)
		}
	})

	_, err := orch.Deploy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{
		StateValidated, StateRetired, StateBuilt,
		StateProvisioned, StateStarted, StateReported,
	}, seen)
}

// =============================================================================
// Retirement Tests
// =============================================================================

func TestDeploy_NoPreviousInstance_Proceeds(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()

	_, err := newTestOrchestrator(cfg, engine).Deploy(context.Background())

	require.NoError(t, err)
	assert.NotContains(t, engine.calls, "remove audio-bot",
		"a missing instance is skipped, not removed")
}

func TestDeploy_PreviousInstanceRetired(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()
	engine.containers["audio-bot"] = &fakeContainer{image: "audio-bot:old", status: "running"}

	_, err := newTestOrchestrator(cfg, engine).Deploy(context.Background())

	require.NoError(t, err)
	assert.Contains(t, engine.calls, "stop audio-bot")
	assert.Contains(t, engine.calls, "remove audio-bot")
	assert.Equal(t, "audio-bot:latest", engine.containers["audio-bot"].image)
}

func TestDeploy_UnexpectedStopFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()
	engine.stopErr = &EngineError{Op: "stop container", Ref: "audio-bot", Err: errors.New("permission denied")}

	result, err := newTestOrchestrator(cfg, engine).Deploy(context.Background())

	require.Error(t, err)
	assert.Equal(t, RetireFailure, KindOf(err))
	assert.Equal(t, StateAborted, result.State)
	assert.NotContains(t, engine.calls, "build audio-bot:latest")
}

// =============================================================================
// Build and Provisioning Tests
// =============================================================================

func TestDeploy_BuildFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()
	engine.buildErr = &EngineError{Op: "build image", Ref: "audio-bot:latest", Err: errors.New("no Dockerfile")}

	result, err := newTestOrchestrator(cfg, engine).Deploy(context.Background())

	require.Error(t, err)
	assert.Equal(t, BuildFailure, KindOf(err))
	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, []State{StateInit, StateValidated, StateRetired, StateAborted}, result.Trace)
	assert.NotContains(t, engine.calls, "create audio-bot")
}

func TestDeploy_ExistingVolumesKept(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()
	engine.volumes["audio-bot-data"] = 1
	engine.volumes["audio-bot-logs"] = 1

	_, err := newTestOrchestrator(cfg, engine).Deploy(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, engine.volumes["audio-bot-data"])
	assert.Equal(t, 1, engine.volumes["audio-bot-logs"])
}

func TestDeploy_VolumeProvisioningFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()
	engine.volumeErr = &EngineError{Op: "create volume", Ref: "audio-bot-data", Err: errors.New("no space left on device")}

	result, err := newTestOrchestrator(cfg, engine).Deploy(context.Background())

	require.Error(t, err)
	assert.Equal(t, ResourceProvisioningFailure, KindOf(err))
	assert.Equal(t, StateAborted, result.State)
	assert.NotContains(t, engine.calls, "create audio-bot")
}

// =============================================================================
// Start Tests
// =============================================================================

func TestDeploy_StartFailureLeavesNothingRunning(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()
	engine.containers["audio-bot"] = &fakeContainer{image: "audio-bot:old", status: "running"}
	engine.createErr = &EngineError{Op: "create container", Ref: "audio-bot", Err: errors.New("port is already allocated")}

	result, err := newTestOrchestrator(cfg, engine).Deploy(context.Background())

	require.Error(t, err)
	assert.Equal(t, StartFailure, KindOf(err))
	assert.Equal(t, StateAborted, result.State)
	// No rollback: the previous instance was already removed.
	assert.Empty(t, engine.containers)
}

// =============================================================================
// Journal Integration
// =============================================================================

func TestDeploy_JournalRecordsOutcome(t *testing.T) {
	cfg := testConfig(t)
	engine := newFakeEngine()

	journal, err := OpenJournal(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer journal.Close()

	_, err = newTestOrchestrator(cfg, engine).WithJournal(journal).Deploy(context.Background())
	require.NoError(t, err)

	engine.buildErr = &EngineError{Op: "build image", Ref: "audio-bot:latest", Err: errors.New("boom")}
	_, err = newTestOrchestrator(cfg, engine).WithJournal(journal).Deploy(context.Background())
	require.Error(t, err)

	runs, err := journal.Recent(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Newest first.
	assert.Equal(t, string(StateAborted), runs[0].State)
	assert.Contains(t, runs[0].Error, "boom")
	assert.Equal(t, string(StateReported), runs[1].State)
	assert.Empty(t, runs[1].Error)
}

// Interface conformance for the real engine.
var _ Engine = (*DockerEngine)(nil)

// Guard against the fake drifting from the interface.
var _ Engine = (*fakeEngine)(nil)

func TestKindOf(t *testing.T) {
	err := fatal(BuildFailure, "", errors.New("boom"))
	assert.Equal(t, BuildFailure, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, FailureKind(""), KindOf(errors.New("plain")))
}
