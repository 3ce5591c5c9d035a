package docker

import (
	"context"
	"testing"
	"time"

	dtesting "github.com/fsouza/go-dockerclient/testing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDockerManager(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	server, err := dtesting.NewServer("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer server.Stop()

	manager, err := NewManager(server.URL(), logger)
	require.NoError(t, err)
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, manager.Ping(ctx))

	t.Run("PullImage", func(t *testing.T) {
		assert.NoError(t, manager.PullImage(ctx, "nginx:latest", ""))
		assert.Error(t, manager.PullImage(ctx, "nginx:latest", "no-separator"))
	})

	t.Run("ContainerLifecycle", func(t *testing.T) {
		id, err := manager.CreateContainer(ctx, ContainerOptions{
			Name:     "swarmweb_demo",
			Image:    "nginx:latest",
			Env:      []string{"A=1"},
			Ports:    []PortMapping{{HostPort: 31000, ContainerPort: 80}},
			CPU:      0.5,
			MemoryMB: 500,
			Labels:   map[string]string{LabelApp: "demo", LabelComponent: "web"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		require.NoError(t, manager.StartContainer(ctx, "swarmweb_demo"))

		c, err := manager.InspectContainer(ctx, "swarmweb_demo")
		require.NoError(t, err)
		assert.Equal(t, ContainerStatusRunning, c.Status)
		assert.Equal(t, "swarmweb_demo", c.Name)

		list, err := manager.ListContainers(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "swarmweb_demo", list[0].Name)

		require.NoError(t, manager.RemoveContainer(ctx, "swarmweb_demo"))
		_, err = manager.InspectContainer(ctx, "swarmweb_demo")
		assert.ErrorIs(t, err, ErrContainerNotFound)

		assert.NoError(t, manager.RemoveContainer(ctx, "swarmweb_demo"))
	})
}

func TestStatus(t *testing.T) {
	assert.Equal(t, ContainerStatusRunning, listStatus("running"))
	assert.Equal(t, ContainerStatusStopped, listStatus("exited"))
	assert.Equal(t, ContainerStatusCreated, stateStatus(false, false, true))
	assert.Equal(t, ContainerStatusStopped, stateStatus(false, false, false))
	assert.Equal(t, ContainerStatusPaused, stateStatus(true, true, false))
}
