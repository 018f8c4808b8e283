package orchestrator

import (
	"context"
	"time"
)

// ContainerSpec describes the container the orchestrator starts after a
// successful build.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	Port          int
	Mounts        []VolumeMount
	RestartPolicy string
}

// VolumeMount attaches a named volume at a fixed in-container path.
type VolumeMount struct {
	Volume string
	Path   string
}

// PortBinding is one published port of a running container.
type PortBinding struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// ContainerState is the observed state of a container, as reported by the
// engine.
type ContainerState struct {
	ID        string
	Name      string
	Image     string
	Status    string
	Ports     []PortBinding
	StartedAt time.Time
}

// Engine is the container engine surface the orchestrator drives. Stop,
// remove and inspect operations address containers by name; the engine
// guarantees at most one container per name. Implementations return
// ErrNotFound and ErrAlreadyExists (wrapped) so the orchestrator can
// distinguish tolerated outcomes from real failures.
type Engine interface {
	Ping(ctx context.Context) error

	StopContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, name string) error
	InspectContainer(ctx context.Context, name string) (*ContainerState, error)

	BuildImage(ctx context.Context, contextDir, tag string, progress func(string)) error
	CreateVolume(ctx context.Context, name string) error

	Close() error
}
