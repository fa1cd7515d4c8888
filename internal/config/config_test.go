package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store: /tmp/meter.db
node:
  link: /dev/serial0
  telemetryInterval: 10s
  pins:
    flow: 4
gateway:
  backendUrl: https://meter.example.com/api
  provisioningToken: abc123
  otaInterval: 30m
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/meter.db", c.Store)
	assert.Equal(t, ":80", c.HTTP)
	assert.Equal(t, "/dev/serial0", c.Node.Link)
	assert.Equal(t, 10*time.Second, c.Node.TelemetryInterval.D())
	assert.Equal(t, time.Second, c.Node.AccountInterval.D())
	assert.Equal(t, 4, c.Node.Pins.Flow)
	assert.Equal(t, 23, c.Node.Pins.ValveOpen)
	assert.Equal(t, "https://meter.example.com/api", c.Gateway.BackendURL)
	assert.Equal(t, "abc123", c.Gateway.ProvisioningToken)
	assert.Equal(t, 30*time.Minute, c.Gateway.OTAInterval.D())
	assert.Equal(t, "wlan0", c.Gateway.Interface)
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, "node:\n  tick: soon\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "parsing yaml")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, 100*time.Millisecond, c.Node.Tick.D())
	assert.Equal(t, 5*time.Second, c.Node.TelemetryInterval.D())
	assert.Equal(t, 2*time.Second, c.Node.ValvePulse.D())
	assert.Equal(t, time.Hour, c.Gateway.OTAInterval.D())
	assert.InDelta(t, 3.3/4095*5, c.Node.ADC.VoltsPerCount, 1e-12)
	assert.Equal(t, "/sys/bus/iio/devices/iio:device0/in_voltage0_raw", c.Node.ADC.Path)
	assert.Equal(t, PinsConfig{
		Flow: 17, ValveOpen: 23, ValveClose: 24, Buzzer: 18,
		Tilt: 27, Trigger: 5, Echo: 6,
	}, c.Node.Pins)
}
