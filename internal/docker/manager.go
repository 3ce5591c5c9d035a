package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	dockerclient "github.com/fsouza/go-dockerclient"
	"github.com/sirupsen/logrus"
)

// ContainerPrefix starts the name of every container this node manages
const ContainerPrefix = "swarm"

// DefaultStopTimeout is the grace period in seconds before a kill
const DefaultStopTimeout = 15

// Manager runs application containers on the local Docker daemon
type Manager struct {
	client      *dockerclient.Client
	stopTimeout uint
	logger      *logrus.Logger
}

// NewManager connects to the daemon at endpoint, or to the one described by
// the DOCKER_* environment when endpoint is empty
func NewManager(endpoint string, logger *logrus.Logger) (*Manager, error) {
	var client *dockerclient.Client
	var err error
	if endpoint == "" {
		client, err = dockerclient.NewClientFromEnv()
	} else {
		client, err = dockerclient.NewClient(endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Manager{
		client:      client,
		stopTimeout: DefaultStopTimeout,
		logger:      logger,
	}, nil
}

// Ping checks that the daemon answers
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.PingWithContext(ctx)
}

// PullImage pulls an image. auth is "user:secret" or empty for public images.
func (m *Manager) PullImage(ctx context.Context, image, auth string) error {
	m.logger.WithField("image", image).Info("Pulling Docker image")

	repository, tag := dockerclient.ParseRepositoryTag(image)
	if tag == "" {
		tag = "latest"
	}
	var creds dockerclient.AuthConfiguration
	if auth != "" {
		user, secret, ok := strings.Cut(auth, ":")
		if !ok {
			return fmt.Errorf("repository auth for %s must be user:secret", image)
		}
		creds = dockerclient.AuthConfiguration{Username: user, Password: secret}
	}

	var buf bytes.Buffer
	err := m.client.PullImage(dockerclient.PullImageOptions{
		Repository:   repository,
		Tag:          tag,
		OutputStream: &buf,
		Context:      ctx,
	}, creds)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}

	m.logger.WithField("image", image).Info("Successfully pulled Docker image")
	return nil
}

// RemoveImage deletes an image; a missing image is not an error
func (m *Manager) RemoveImage(ctx context.Context, image string) error {
	err := m.client.RemoveImageExtended(image, dockerclient.RemoveImageOptions{Force: true, Context: ctx})
	if err != nil && !errors.Is(err, dockerclient.ErrNoSuchImage) {
		return fmt.Errorf("failed to remove image %s: %w", image, err)
	}
	return nil
}

// EnsureNetwork creates the bridge network of an app unless it exists
func (m *Manager) EnsureNetwork(ctx context.Context, name string) error {
	_, err := m.client.NetworkInfo(name)
	if err == nil {
		return nil
	}
	var missing *dockerclient.NoSuchNetwork
	if !errors.As(err, &missing) {
		return fmt.Errorf("failed to inspect network %s: %w", name, err)
	}

	_, err = m.client.CreateNetwork(dockerclient.CreateNetworkOptions{
		Name:    name,
		Driver:  "bridge",
		Context: ctx,
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	m.logger.WithField("network", name).Info("Created app network")
	return nil
}

// RemoveNetwork deletes an app network; a missing network is not an error
func (m *Manager) RemoveNetwork(ctx context.Context, name string) error {
	err := m.client.RemoveNetwork(name)
	var missing *dockerclient.NoSuchNetwork
	if err != nil && !errors.As(err, &missing) {
		return fmt.Errorf("failed to remove network %s: %w", name, err)
	}
	return nil
}

// CreateContainer creates a container and returns its id
func (m *Manager) CreateContainer(ctx context.Context, opts ContainerOptions) (string, error) {
	m.logger.WithFields(logrus.Fields{
		"name":  opts.Name,
		"image": opts.Image,
	}).Info("Creating Docker container")

	exposed := make(map[dockerclient.Port]struct{})
	bindings := make(map[dockerclient.Port][]dockerclient.PortBinding)
	for _, p := range opts.Ports {
		for _, proto := range []string{"tcp", "udp"} {
			port := dockerclient.Port(strconv.Itoa(p.ContainerPort) + "/" + proto)
			exposed[port] = struct{}{}
			bindings[port] = []dockerclient.PortBinding{{HostPort: strconv.Itoa(p.HostPort)}}
		}
	}

	binds := make([]string, 0, len(opts.Mounts))
	for _, mnt := range opts.Mounts {
		binds = append(binds, mnt.Source+":"+mnt.Target)
	}

	hostConfig := &dockerclient.HostConfig{
		PortBindings:  bindings,
		Binds:         binds,
		NanoCPUs:      int64(opts.CPU * 1e9),
		Memory:        int64(opts.MemoryMB) * 1024 * 1024,
		RestartPolicy: dockerclient.RestartUnlessStopped(),
		NetworkMode:   opts.Network,
	}

	container, err := m.client.CreateContainer(dockerclient.CreateContainerOptions{
		Name: opts.Name,
		Config: &dockerclient.Config{
			Image:        opts.Image,
			Env:          opts.Env,
			Cmd:          opts.Command,
			ExposedPorts: exposed,
			Labels:       opts.Labels,
		},
		HostConfig: hostConfig,
		Context:    ctx,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", opts.Name, err)
	}

	m.logger.WithFields(logrus.Fields{
		"container_id": container.ID,
		"name":         opts.Name,
	}).Info("Successfully created Docker container")
	return container.ID, nil
}

// StartContainer starts a created or stopped container
func (m *Manager) StartContainer(ctx context.Context, name string) error {
	err := m.client.StartContainerWithContext(name, nil, ctx)
	var already *dockerclient.ContainerAlreadyRunning
	if err != nil && !errors.As(err, &already) {
		return m.wrap("start", name, err)
	}
	return nil
}

// StopContainer stops a container; stopped or missing ones are ignored
func (m *Manager) StopContainer(ctx context.Context, name string) error {
	m.logger.WithField("container", name).Info("Stopping Docker container")

	err := m.client.StopContainerWithContext(name, m.stopTimeout, ctx)
	var notRunning *dockerclient.ContainerNotRunning
	var missing *dockerclient.NoSuchContainer
	if err != nil && !errors.As(err, &notRunning) && !errors.As(err, &missing) {
		return m.wrap("stop", name, err)
	}
	return nil
}

// RemoveContainer force-removes a container with its anonymous volumes
func (m *Manager) RemoveContainer(ctx context.Context, name string) error {
	err := m.client.RemoveContainer(dockerclient.RemoveContainerOptions{
		ID:            name,
		Force:         true,
		RemoveVolumes: true,
		Context:       ctx,
	})
	var missing *dockerclient.NoSuchContainer
	if err != nil && !errors.As(err, &missing) {
		return m.wrap("remove", name, err)
	}
	return nil
}

// InspectContainer returns the state of one container
func (m *Manager) InspectContainer(ctx context.Context, name string) (*Container, error) {
	c, err := m.client.InspectContainerWithOptions(dockerclient.InspectContainerOptions{ID: name, Context: ctx})
	if err != nil {
		return nil, m.wrap("inspect", name, err)
	}

	out := &Container{
		ID:        c.ID,
		Name:      strings.TrimPrefix(c.Name, "/"),
		StartedAt: c.State.StartedAt,
		Status:    stateStatus(c.State.Running, c.State.Paused, c.State.StartedAt.IsZero()),
	}
	if c.Config != nil {
		out.Image = c.Config.Image
		out.Labels = c.Config.Labels
	}
	return out, nil
}

// ListContainers returns every container whose name carries the app prefix
func (m *Manager) ListContainers(ctx context.Context) ([]Container, error) {
	list, err := m.client.ListContainers(dockerclient.ListContainersOptions{All: true, Context: ctx})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var result []Container
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		if !strings.HasPrefix(name, ContainerPrefix) {
			continue
		}
		result = append(result, Container{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			Status: listStatus(c.State),
			Labels: c.Labels,
		})
	}
	return result, nil
}

// Close releases the client
func (m *Manager) Close() error {
	m.logger.Info("Closing Docker manager")
	return nil
}

func (m *Manager) wrap(op, name string, err error) error {
	var missing *dockerclient.NoSuchContainer
	if errors.As(err, &missing) {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, name)
	}
	return fmt.Errorf("failed to %s container %s: %w", op, name, err)
}

func stateStatus(running, paused, neverStarted bool) ContainerStatus {
	switch {
	case paused:
		return ContainerStatusPaused
	case running:
		return ContainerStatusRunning
	case neverStarted:
		return ContainerStatusCreated
	default:
		return ContainerStatusStopped
	}
}

func listStatus(state string) ContainerStatus {
	switch state {
	case "running":
		return ContainerStatusRunning
	case "paused":
		return ContainerStatusPaused
	case "created":
		return ContainerStatusCreated
	default:
		return ContainerStatusStopped
	}
}
