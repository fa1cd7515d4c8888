// Package config loads the optional YAML configuration shared by the node
// and gateway daemons. Command-line flags override file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %v", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type PinsConfig struct {
	Flow       int `yaml:"flow"`
	ValveOpen  int `yaml:"valveOpen"`
	ValveClose int `yaml:"valveClose"`
	Buzzer     int `yaml:"buzzer"`
	Tilt       int `yaml:"tilt"`
	Trigger    int `yaml:"trigger"`
	Echo       int `yaml:"echo"`
}

type ADCConfig struct {
	Path          string  `yaml:"path"`
	VoltsPerCount float64 `yaml:"voltsPerCount"`
}

type NodeConfig struct {
	Link              string     `yaml:"link"`
	Tick              Duration   `yaml:"tick"`
	AccountInterval   Duration   `yaml:"accountInterval"`
	TelemetryInterval Duration   `yaml:"telemetryInterval"`
	Blink             Duration   `yaml:"blink"`
	ValvePulse        Duration   `yaml:"valvePulse"`
	Pins              PinsConfig `yaml:"pins"`
	ADC               ADCConfig  `yaml:"adc"`
}

type GatewayConfig struct {
	Link              string   `yaml:"link"`
	Tick              Duration `yaml:"tick"`
	BackendURL        string   `yaml:"backendUrl"`
	BackendTimeout    Duration `yaml:"backendTimeout"`
	ProvisioningToken string   `yaml:"provisioningToken"`
	Interface         string   `yaml:"interface"`
	APSSID            string   `yaml:"apSsid"`
	APPassword        string   `yaml:"apPassword"`
	FirmwareURL       string   `yaml:"firmwareUrl"`
	FirmwarePath      string   `yaml:"firmwarePath"`
	OTAInterval       Duration `yaml:"otaInterval"`
	PollInterval      Duration `yaml:"pollInterval"`
	Broker            string   `yaml:"broker"`
	WSBroker          string   `yaml:"wsBroker"`
	Heartbeat         Duration `yaml:"heartbeat"`
}

type Config struct {
	Store   string        `yaml:"store"`
	HTTP    string        `yaml:"http"`
	Node    NodeConfig    `yaml:"node"`
	Gateway GatewayConfig `yaml:"gateway"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: "/var/lib/water-meter/settings.db",
		HTTP:  ":80",
		Node: NodeConfig{
			Link:              "/dev/ttyAMA0",
			Tick:              Duration(100 * time.Millisecond),
			AccountInterval:   Duration(time.Second),
			TelemetryInterval: Duration(5 * time.Second),
			Blink:             Duration(100 * time.Millisecond),
			ValvePulse:        Duration(2 * time.Second),
			// BCM numbering.
			Pins: PinsConfig{
				Flow: 17, ValveOpen: 23, ValveClose: 24, Buzzer: 18,
				Tilt: 27, Trigger: 5, Echo: 6,
			},
			// 12-bit converter at 3.3 V behind a 1:5 divider.
			ADC: ADCConfig{
				Path:          "/sys/bus/iio/devices/iio:device0/in_voltage0_raw",
				VoltsPerCount: 3.3 / 4095 * 5,
			},
		},
		Gateway: GatewayConfig{
			Link:           "/dev/ttyUSB0",
			Tick:           Duration(time.Second),
			BackendTimeout: Duration(10 * time.Second),
			Interface:      "wlan0",
			APSSID:         "WaterMeter-Setup",
			FirmwarePath:   "/usr/local/bin/meter-gateway",
			OTAInterval:    Duration(time.Hour),
			PollInterval:   Duration(10 * time.Second),
			WSBroker:       "=broker",
			Heartbeat:      Duration(15 * time.Minute),
		},
	}
}

// Load reads filename over the defaults. Keys absent from the file keep
// their default values.
func Load(filename string) (*Config, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %v", err)
	}

	c := Default()
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("parsing yaml: %v", err)
	}
	return c, nil
}
