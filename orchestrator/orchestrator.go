// Package orchestrator drives one idempotent deployment cycle for a single
// named container: validate prerequisites, retire the previous instance,
// rebuild the image, ensure the persistent volumes exist, start the new
// instance and report its status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// State names the stations of one deployment run.
type State string

const (
	StateInit        State = "init"
	StateValidated   State = "validated"
	StateRetired     State = "retired"
	StateBuilt       State = "built"
	StateProvisioned State = "provisioned"
	StateStarted     State = "started"
	StateReported    State = "reported"
	StateAborted     State = "aborted"
)

// StepEvent is emitted to the observer as the run advances, so a caller can
// animate progress without the orchestrator knowing about terminals.
type StepEvent struct {
	State   State
	Message string
}

// Result is the outcome of a deployment run. Trace lists every state the run
// reached, in order; Report is set only when the run completed.
type Result struct {
	State  State
	Trace  []State
	Report *Report
}

// Orchestrator sequences the deployment steps against an Engine. Steps run
// strictly one after another; the first fatal outcome aborts the run. The
// orchestrator never deletes volumes.
type Orchestrator struct {
	cfg      *Config
	engine   Engine
	journal  *Journal
	logger   *zap.Logger
	observer func(StepEvent)
}

func New(cfg *Config, engine Engine, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		engine: engine,
		logger: logger,
	}
}

// WithJournal records each run in the given journal.
func (o *Orchestrator) WithJournal(journal *Journal) *Orchestrator {
	o.journal = journal
	return o
}

// OnStep registers a progress observer. Only one observer is supported.
func (o *Orchestrator) OnStep(fn func(StepEvent)) {
	o.observer = fn
}

func (o *Orchestrator) emit(state State, message string) {
	o.logger.Info(message, zap.String("state", string(state)))
	if o.observer != nil {
		o.observer(StepEvent{State: state, Message: message})
	}
}

type step struct {
	state   State
	message string
	run     func(context.Context) error
}

// Deploy executes one full deployment cycle. It returns the run result and,
// on abort, the fatal *StepError. Running Deploy twice in a row leaves
// exactly one container with the configured name.
func (o *Orchestrator) Deploy(ctx context.Context) (*Result, error) {
	result := &Result{State: StateInit, Trace: []State{StateInit}}

	var runID int64
	if o.journal != nil {
		id, err := o.journal.Begin(o.cfg.ContainerName, o.cfg.ImageName)
		if err != nil {
			o.logger.Warn("failed to record run in journal", zap.Error(err))
		} else {
			runID = id
		}
	}

	steps := []step{
		{StateValidated, "validating prerequisites", o.validate},
		{StateRetired, "retiring previous instance", o.retire},
		{StateBuilt, "building image " + o.cfg.ImageName, o.build},
		{StateProvisioned, "ensuring volumes", o.ensureVolumes},
		{StateStarted, "starting container " + o.cfg.ContainerName, o.start},
	}

	for _, s := range steps {
		o.emit(s.state, s.message)
		if err := s.run(ctx); err != nil {
			result.State = StateAborted
			result.Trace = append(result.Trace, StateAborted)
			o.finishRun(runID, StateAborted, err)
			return result, err
		}
		result.State = s.state
		result.Trace = append(result.Trace, s.state)
	}

	o.emit(StateReported, "reporting status")
	report, err := o.report(ctx)
	if err != nil {
		result.State = StateAborted
		result.Trace = append(result.Trace, StateAborted)
		o.finishRun(runID, StateAborted, err)
		return result, err
	}

	result.State = StateReported
	result.Trace = append(result.Trace, StateReported)
	result.Report = report
	o.finishRun(runID, StateReported, nil)

	return result, nil
}

func (o *Orchestrator) finishRun(runID int64, state State, runErr error) {
	if o.journal == nil || runID == 0 {
		return
	}
	if err := o.journal.Finish(runID, state, runErr); err != nil {
		o.logger.Warn("failed to finish run in journal", zap.Error(err))
	}
}

// validate checks the env file and the engine before anything touches the
// engine's namespace. No side effects happen until this step passes.
func (o *Orchestrator) validate(ctx context.Context) error {
	f, err := os.Open(o.cfg.EnvFile)
	if err != nil {
		return fatal(MissingConfiguration,
			fmt.Sprintf("create %s with the runtime environment (see .env.example)", o.cfg.EnvFile),
			fmt.Errorf("environment file %s is not readable: %w", o.cfg.EnvFile, err))
	}
	f.Close()

	if err := o.engine.Ping(ctx); err != nil {
		return fatal(MissingDependency,
			"is the Docker daemon installed and running?",
			err)
	}

	return nil
}

// retire stops and removes the previous instance. A missing instance is the
// normal first-run case and is skipped; any other stop/remove failure (a
// permissions error, a wedged daemon) aborts the run instead of being
// mistaken for "not found".
func (o *Orchestrator) retire(ctx context.Context) error {
	if err := o.engine.StopContainer(ctx, o.cfg.ContainerName); err != nil {
		if errors.Is(err, ErrNotFound) {
			o.logger.Debug("no previous instance to stop", zap.String("container", o.cfg.ContainerName))
			return nil
		}
		return fatal(RetireFailure, "inspect the previous container manually", err)
	}

	if err := o.engine.RemoveContainer(ctx, o.cfg.ContainerName); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fatal(RetireFailure, "inspect the previous container manually", err)
	}

	o.logger.Info("previous instance removed", zap.String("container", o.cfg.ContainerName))
	return nil
}

func (o *Orchestrator) build(ctx context.Context) error {
	progress := func(line string) {
		if o.observer != nil {
			o.observer(StepEvent{State: StateBuilt, Message: line})
		}
	}

	if err := o.engine.BuildImage(ctx, o.cfg.BuildContext, o.cfg.ImageName, progress); err != nil {
		return fatal(BuildFailure, "check the Dockerfile and build context", err)
	}
	return nil
}

// ensureVolumes creates the data and logs volumes. Existing volumes are kept
// as they are; their contents outlive every container instance.
func (o *Orchestrator) ensureVolumes(ctx context.Context) error {
	for _, name := range []string{o.cfg.DataVolume, o.cfg.LogsVolume} {
		if err := o.engine.CreateVolume(ctx, name); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				o.logger.Debug("volume already exists", zap.String("volume", name))
				continue
			}
			return fatal(ResourceProvisioningFailure, "check the Docker volume state", err)
		}
		o.logger.Info("volume created", zap.String("volume", name))
	}
	return nil
}

// start creates and starts the new instance. There is no rollback: the old
// instance is already gone, so a failure here leaves nothing running.
func (o *Orchestrator) start(ctx context.Context) error {
	env, err := loadEnvFile(o.cfg.EnvFile)
	if err != nil {
		return fatal(StartFailure, "check the environment file", err)
	}

	spec := ContainerSpec{
		Name:  o.cfg.ContainerName,
		Image: o.cfg.ImageName,
		Env:   env,
		Port:  o.cfg.Port,
		Mounts: []VolumeMount{
			{Volume: o.cfg.DataVolume, Path: o.cfg.DataMount},
			{Volume: o.cfg.LogsVolume, Path: o.cfg.LogsMount},
		},
		RestartPolicy: "unless-stopped",
	}

	if _, err := o.engine.CreateContainer(ctx, spec); err != nil {
		return fatal(StartFailure, "the previous instance is gone; re-run the deployment once the cause is fixed", err)
	}

	if err := o.engine.StartContainer(ctx, o.cfg.ContainerName); err != nil {
		return fatal(StartFailure, "the previous instance is gone; re-run the deployment once the cause is fixed", err)
	}

	return nil
}

func (o *Orchestrator) report(ctx context.Context) (*Report, error) {
	state, err := o.engine.InspectContainer(ctx, o.cfg.ContainerName)
	if err != nil {
		return nil, fatal(ReportFailure, "the container started but could not be inspected", err)
	}

	return &Report{
		Name:   state.Name,
		Image:  state.Image,
		Status: state.Status,
		Ports:  state.Ports,
	}, nil
}

// loadEnvFile reads KEY=VALUE pairs for the container environment. Values are
// handed to the engine untouched.
func loadEnvFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer f.Close()

	vars, err := godotenv.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse env file: %w", err)
	}

	env := make([]string, 0, len(vars))
	for key, value := range vars {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env, nil
}
