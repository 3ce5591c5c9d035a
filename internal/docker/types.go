package docker

import (
	"errors"
	"time"
)

// ErrContainerNotFound is returned for unknown container names
var ErrContainerNotFound = errors.New("container not found")

// ContainerOptions describes a container to create
type ContainerOptions struct {
	Name     string
	Image    string
	Env      []string
	Command  []string
	Ports    []PortMapping
	Mounts   []Mount
	CPU      float64
	MemoryMB int
	Network  string
	Labels   map[string]string
}

// PortMapping publishes a container port on the host, tcp and udp
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// Mount binds a host directory into the container
type Mount struct {
	Source string
	Target string
}

// ContainerStatus represents the status of a container
type ContainerStatus string

const (
	// ContainerStatusCreated indicates the container is created but not started
	ContainerStatusCreated ContainerStatus = "created"
	// ContainerStatusRunning indicates the container is running
	ContainerStatusRunning ContainerStatus = "running"
	// ContainerStatusStopped indicates the container exited or was stopped
	ContainerStatusStopped ContainerStatus = "stopped"
	// ContainerStatusPaused indicates the container is paused
	ContainerStatusPaused ContainerStatus = "paused"
)

// Container is the runtime view of an app container
type Container struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Status    ContainerStatus   `json:"status"`
	StartedAt time.Time         `json:"startedAt"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Labels set on every app container
const (
	LabelApp       = "swarmhost.app"
	LabelComponent = "swarmhost.component"
	LabelHash      = "swarmhost.hash"
)
