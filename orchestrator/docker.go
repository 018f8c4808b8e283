package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// DockerEngine implements Engine against a Docker daemon through the SDK.
type DockerEngine struct {
	cli         *client.Client
	stopTimeout time.Duration
	logger      *zap.Logger
}

// NewDockerEngine connects to the Docker daemon. An empty host uses the
// environment defaults (DOCKER_HOST et al.).
func NewDockerEngine(host string, stopTimeout time.Duration, logger *zap.Logger) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &EngineError{Op: "connect", Err: err}
	}

	return &DockerEngine{cli: cli, stopTimeout: stopTimeout, logger: logger}, nil
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return &EngineError{Op: "ping", Err: err}
	}
	return nil
}

func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

func (e *DockerEngine) StopContainer(ctx context.Context, name string) error {
	stopOptions := container.StopOptions{}
	if e.stopTimeout > 0 {
		seconds := int(e.stopTimeout.Seconds())
		stopOptions.Timeout = &seconds
	}

	if err := e.cli.ContainerStop(ctx, name, stopOptions); err != nil {
		if client.IsErrNotFound(err) {
			return &EngineError{Op: "stop container", Ref: name, Err: ErrNotFound}
		}
		return &EngineError{Op: "stop container", Ref: name, Err: err}
	}
	return nil
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, name string) error {
	if err := e.cli.ContainerRemove(ctx, name, container.RemoveOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return &EngineError{Op: "remove container", Ref: name, Err: ErrNotFound}
		}
		return &EngineError{Op: "remove container", Ref: name, Err: err}
	}
	return nil
}

func (e *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
	}

	hostConfig := &container.HostConfig{}

	if spec.Port != 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
		config.ExposedPorts = nat.PortSet{port: {}}
		hostConfig.PortBindings = nat.PortMap{
			port: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: strconv.Itoa(spec.Port),
				},
			},
		}
	}

	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: m.Volume,
			Target: m.Path,
		})
	}

	if spec.RestartPolicy != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		}
	}

	resp, err := e.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		if strings.Contains(err.Error(), "Conflict") {
			return "", &EngineError{Op: "create container", Ref: spec.Name, Err: ErrAlreadyExists}
		}
		return "", &EngineError{Op: "create container", Ref: spec.Name, Err: err}
	}

	e.logger.Debug("container created", zap.String("name", spec.Name), zap.String("id", resp.ID))
	return resp.ID, nil
}

func (e *DockerEngine) StartContainer(ctx context.Context, name string) error {
	if err := e.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return &EngineError{Op: "start container", Ref: name, Err: ErrNotFound}
		}
		return &EngineError{Op: "start container", Ref: name, Err: err}
	}
	return nil
}

func (e *DockerEngine) InspectContainer(ctx context.Context, name string) (*ContainerState, error) {
	resp, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, &EngineError{Op: "inspect container", Ref: name, Err: ErrNotFound}
		}
		return nil, &EngineError{Op: "inspect container", Ref: name, Err: err}
	}

	state := &ContainerState{
		ID:     resp.ID,
		Name:   strings.TrimPrefix(resp.Name, "/"),
		Image:  resp.Config.Image,
		Status: resp.State.Status,
	}

	if resp.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, resp.State.StartedAt); err == nil {
			state.StartedAt = t
		}
	}

	if resp.NetworkSettings != nil {
		for containerPort, bindings := range resp.NetworkSettings.Ports {
			cp, _ := strconv.Atoi(containerPort.Port())
			for _, binding := range bindings {
				hp, _ := strconv.Atoi(binding.HostPort)
				state.Ports = append(state.Ports, PortBinding{
					ContainerPort: cp,
					HostPort:      hp,
					Protocol:      containerPort.Proto(),
					HostIP:        binding.HostIP,
				})
			}
		}
	}

	return state, nil
}

// CreateVolume creates a named volume with the local driver. An existing
// volume is reported as ErrAlreadyExists and is never touched.
func (e *DockerEngine) CreateVolume(ctx context.Context, name string) error {
	if _, err := e.cli.VolumeInspect(ctx, name); err == nil {
		return &EngineError{Op: "create volume", Ref: name, Err: ErrAlreadyExists}
	} else if !client.IsErrNotFound(err) {
		return &EngineError{Op: "create volume", Ref: name, Err: err}
	}

	vol, err := e.cli.VolumeCreate(ctx, volume.CreateOptions{
		Driver: "local",
		Name:   name,
	})
	if err != nil {
		return &EngineError{Op: "create volume", Ref: name, Err: err}
	}

	e.logger.Debug("volume created", zap.String("name", vol.Name), zap.String("mountpoint", vol.Mountpoint))
	return nil
}

// BuildImage tars the build context and builds it with the layer cache
// disabled, so dependency updates in the context are always picked up. The
// daemon streams JSON messages; build failures arrive inside that stream, not
// as an HTTP error, so each message is checked.
func (e *DockerEngine) BuildImage(ctx context.Context, contextDir, tag string, progress func(string)) error {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return &EngineError{Op: "build image", Ref: tag, Err: err}
	}
	defer buildCtx.Close()

	resp, err := e.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		NoCache:     true,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return &EngineError{Op: "build image", Ref: tag, Err: err}
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return &EngineError{Op: "build image", Ref: tag, Err: err}
		}

		if errMsg := msg.errorMessage(); errMsg != "" {
			return &EngineError{Op: "build image", Ref: tag, Err: fmt.Errorf("%s", errMsg)}
		}

		if line := strings.TrimSpace(msg.Stream); line != "" {
			e.logger.Debug("build output", zap.String("line", line))
			if progress != nil {
				progress(line)
			}
		}
	}

	return nil
}

type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m buildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}
