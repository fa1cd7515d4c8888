// Package store persists small settings that must survive a restart:
// calibration, door tolerance, network credentials and device identity.
package store

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sweeney/water-meter/internal/logic"
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("store: key not found")

// KV is a string key-value store.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Keys used by the node and the gateway.
const (
	KeyCalibration   = "calibration_factor"
	KeyDoorTolerance = "door_tolerance"

	KeyWiFiSSID     = "wifi_ssid"
	KeyWiFiPassword = "wifi_password"
	KeyDeviceID     = "device_id"
	KeyMeterID      = "meter_id"
	KeyBearerToken  = "bearer_token"
)

// GetFloat reads a float value.
func GetFloat(kv KV, key string) (float64, error) {
	s, err := kv.Get(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

// SetFloat writes a float value.
func SetFloat(kv KV, key string, v float64) error {
	return kv.Set(key, strconv.FormatFloat(v, 'g', -1, 64))
}

// LoadFloat reads key and checks it with valid. An absent, unreadable or
// invalid value is replaced by def, which is written back. The returned
// bool reports whether the default was used.
func LoadFloat(kv KV, key string, def float64, valid func(float64) bool) (float64, bool, error) {
	v, err := GetFloat(kv, key)
	if err == nil && valid(v) {
		return v, false, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) && !isParseError(err) {
		return def, true, err
	}
	if err := SetFloat(kv, key, def); err != nil {
		return def, true, fmt.Errorf("persist default %s: %w", key, err)
	}
	return def, true, nil
}

func isParseError(err error) bool {
	var ne *strconv.NumError
	return errors.As(err, &ne)
}

// Settings stores the node's tunables and implements logic.Settings.
type Settings struct {
	kv KV
}

// NewSettings wraps a store.
func NewSettings(kv KV) *Settings {
	return &Settings{kv: kv}
}

// Calibration loads the calibration factor, falling back to the default.
func (s *Settings) Calibration() (float64, bool, error) {
	return LoadFloat(s.kv, KeyCalibration, logic.DefaultCalibration, logic.ValidCalibration)
}

// DoorTolerance loads the door tolerance, falling back to the default.
func (s *Settings) DoorTolerance() (float64, bool, error) {
	return LoadFloat(s.kv, KeyDoorTolerance, logic.DefaultDoorTolerance, logic.ValidDoorTolerance)
}

func (s *Settings) SaveCalibration(v float64) error {
	return SetFloat(s.kv, KeyCalibration, v)
}

func (s *Settings) SaveDoorTolerance(v float64) error {
	return SetFloat(s.kv, KeyDoorTolerance, v)
}

// Memory is an in-memory KV used in tests and when no database path is set.
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ logic.Settings = (*Settings)(nil)
