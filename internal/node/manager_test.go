package node

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func TestNewManager(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(Config{IP: "10.0.0.5", Tier: TierSuper, APIPort: 16127, DataDir: dir}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", m.IP())
	assert.Equal(t, Hardware{CPU: 7, RAM: 29000, HDD: 440}, m.Capacity())
	assert.Greater(t, m.Uptime(), int64(-1))

	t.Run("PersistentID", func(t *testing.T) {
		again, err := NewManager(Config{IP: "10.0.0.5", Tier: TierSuper, DataDir: dir}, testLogger())
		require.NoError(t, err)
		assert.Equal(t, m.ID(), again.ID())
	})

	t.Run("UnknownTier", func(t *testing.T) {
		_, err := NewManager(Config{Tier: "huge"}, testLogger())
		assert.ErrorIs(t, err, ErrUnknownTier)
	})
}

func TestCheckIP(t *testing.T) {
	m, err := NewManager(Config{IP: "10.0.0.5", Tier: TierBasic}, testLogger())
	require.NoError(t, err)

	var oldIP, newIP string
	onChange := func(o, n string) { oldIP, newIP = o, n }

	assert.False(t, m.checkIP("10.0.0.5", onChange))
	assert.True(t, m.checkIP("10.0.0.6", onChange))
	assert.Equal(t, "10.0.0.5", oldIP)
	assert.Equal(t, "10.0.0.6", newIP)
	assert.Equal(t, "10.0.0.6", m.Info().IP)
}

func TestHardware(t *testing.T) {
	used := Hardware{CPU: 2.5, RAM: 5000, HDD: 100}.Add(Hardware{CPU: 0.5, RAM: 2000, HDD: 20})
	assert.True(t, used.Fits(Hardware{CPU: 3, RAM: 7000, HDD: 220}))
	assert.False(t, used.Add(Hardware{CPU: 0.1}).Fits(Hardware{CPU: 3, RAM: 7000, HDD: 220}))
}
