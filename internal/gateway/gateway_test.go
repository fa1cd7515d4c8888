package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/water-meter/internal/backend"
	"github.com/sweeney/water-meter/internal/ota"
	"github.com/sweeney/water-meter/internal/protocol"
	"github.com/sweeney/water-meter/internal/store"
	"github.com/sweeney/water-meter/internal/wifi"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type linkRecorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
	err  error
}

func (l *linkRecorder) Send(m protocol.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.msgs = append(l.msgs, m)
	return nil
}

func (l *linkRecorder) sent() []protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Message(nil), l.msgs...)
}

type fakeUpdater struct {
	outcome ota.Outcome
	err     error
	calls   []string
}

func (u *fakeUpdater) Check(ctx context.Context, deviceID, token string) (ota.Outcome, error) {
	u.calls = append(u.calls, deviceID+"/"+token)
	return u.outcome, u.err
}

type transition struct{ from, to State }

type eventRecorder struct {
	transitions []transition
	readings    []backend.Reading
}

func (e *eventRecorder) StateChanged(from, to State, at time.Time) {
	e.transitions = append(e.transitions, transition{from, to})
}

func (e *eventRecorder) ReadingRelayed(r backend.Reading, acct backend.Account, at time.Time) {
	e.readings = append(e.readings, r)
}

type harness struct {
	relay *Relay
	kv    *store.Memory
	wifi  *wifi.Fake
	api   *backend.Fake
	link  *linkRecorder
}

func newHarness(t *testing.T, kv *store.Memory, tweak func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	h := &harness{kv: kv, wifi: wifi.NewFake(), api: backend.NewFake(), link: &linkRecorder{}}
	r, err := NewRelay(cfg, kv, h.wifi, h.api, h.link)
	require.NoError(t, err)
	r.SetSleep(func(time.Duration) {})
	h.relay = r
	return h
}

func registeredStore(t *testing.T) *store.Memory {
	t.Helper()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(store.KeyWiFiSSID, "home"))
	require.NoError(t, kv.Set(store.KeyWiFiPassword, "password1"))
	require.NoError(t, kv.Set(store.KeyMeterID, "M-7"))
	require.NoError(t, kv.Set(store.KeyBearerToken, "tok-7"))
	return kv
}

// connect boots a relay and steps it until the uplink is up.
func (h *harness) connect(t *testing.T) time.Time {
	t.Helper()
	ctx := context.Background()
	h.relay.Start(ctx, t0)
	now := t0.Add(time.Second)
	require.NoError(t, h.relay.Step(ctx, now))
	return now
}

func frame(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	b, err := protocol.Encode(msg)
	require.NoError(t, err)
	return b
}

func TestBootWithoutCredentialsProvisions(t *testing.T) {
	h := newHarness(t, store.NewMemory(), nil)
	h.relay.Start(context.Background(), t0)

	assert.Equal(t, StateProvisioning, h.relay.State())
	assert.True(t, h.wifi.AccessPoint())
	assert.Empty(t, h.wifi.Joins)

	id, err := h.kv.Get(store.KeyDeviceID)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, h.relay.Snapshot().DeviceID)
}

func TestDeviceIDIsStable(t *testing.T) {
	kv := store.NewMemory()
	first := newHarness(t, kv, nil).relay.Snapshot().DeviceID
	second := newHarness(t, kv, nil).relay.Snapshot().DeviceID
	assert.Equal(t, first, second)
}

func TestBootWithStoredSession(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	events := &eventRecorder{}
	h.relay.SetEvents(events)

	assert.Equal(t, "tok-7", h.api.Token)

	h.connect(t)
	assert.Equal(t, StateConnectedRegistered, h.relay.State())
	require.Len(t, h.wifi.Joins, 1)
	assert.Equal(t, "home", h.wifi.Joins[0].SSID)

	assert.Equal(t, []transition{
		{StateProvisioning, StateConnecting},
		{StateConnecting, StateConnectedRegistered},
	}, events.transitions)
}

func TestConnectExhaustionFallsBackToProvisioning(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	h.wifi.Accepted = func(wifi.Credentials) bool { return false }

	ctx := context.Background()
	h.relay.Start(ctx, t0)
	now := t0
	for i := 0; i < 29; i++ {
		now = now.Add(time.Second)
		require.NoError(t, h.relay.Step(ctx, now))
	}
	assert.Equal(t, StateConnecting, h.relay.State())

	require.NoError(t, h.relay.Step(ctx, now.Add(time.Second)))
	assert.Equal(t, StateProvisioning, h.relay.State())
	assert.True(t, h.wifi.AccessPoint())
}

func TestTelemetryRelay(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	events := &eventRecorder{}
	h.relay.SetEvents(events)
	h.api.Account = backend.Account{Balance: 4200, TariffPerVolume: 5}
	now := h.connect(t)

	h.relay.HandleFrame(context.Background(), now, frame(t, &protocol.Telemetry{
		FlowRate: 1.5, CumulativeVolume: 12, Voltage: 5.1, StatusTag: "normal",
	}))

	require.Len(t, h.api.Readings, 1)
	r := h.api.Readings[0]
	assert.Equal(t, "M-7", r.MeterID)
	assert.Equal(t, 12.0, r.CumulativeVolume)
	assert.Equal(t, "open", r.ValveStatus)
	assert.False(t, r.DoorOpen)

	sent := h.link.sent()
	require.Len(t, sent, 1)
	update, ok := sent[0].(*protocol.AccountUpdate)
	require.True(t, ok)
	assert.Equal(t, "M-7", update.MeterID)
	assert.Equal(t, 4200.0, update.Balance)
	assert.Equal(t, 5.0, update.TariffPerVolume)
	assert.False(t, update.Unlocked)

	snap := h.relay.Snapshot()
	assert.Equal(t, 1, snap.ReadingsRelayed)
	assert.True(t, snap.HasAccount)
	assert.Len(t, events.readings, 1)
}

func TestFramesDroppedUnlessRegistered(t *testing.T) {
	kv := store.NewMemory()
	require.NoError(t, kv.Set(store.KeyWiFiSSID, "home"))
	h := newHarness(t, kv, nil)
	now := h.connect(t)
	require.Equal(t, StateConnectedUnregistered, h.relay.State())

	h.relay.HandleFrame(context.Background(), now, frame(t, &protocol.Telemetry{StatusTag: "normal"}))
	h.relay.HandleFrame(context.Background(), now, []byte(`{"flow_rate":`))

	assert.Empty(t, h.api.Readings)
	assert.Empty(t, h.link.sent())
	assert.Equal(t, 2, h.relay.Snapshot().FramesDropped)
}

func TestUnparsableFrameDropped(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	now := h.connect(t)

	h.relay.HandleFrame(context.Background(), now, []byte(`{"status_tag":"bogus"}`))
	assert.Empty(t, h.api.Readings)
	assert.Equal(t, 1, h.relay.Snapshot().FramesDropped)
	assert.Equal(t, StateConnectedRegistered, h.relay.State())
}

func TestRegistersWithConfiguredToken(t *testing.T) {
	kv := store.NewMemory()
	require.NoError(t, kv.Set(store.KeyWiFiSSID, "home"))
	h := newHarness(t, kv, func(c *Config) { c.ProvisioningToken = "prov" })
	now := h.connect(t)
	require.Equal(t, StateConnectedUnregistered, h.relay.State())

	require.NoError(t, h.relay.Step(context.Background(), now.Add(time.Second)))
	assert.Equal(t, StateConnectedRegistered, h.relay.State())
	assert.Equal(t, []string{"prov"}, h.api.Registers)
	assert.Equal(t, "tok-1", h.api.Token)

	meter, err := kv.Get(store.KeyMeterID)
	require.NoError(t, err)
	assert.Equal(t, "M-1", meter)
	token, err := kv.Get(store.KeyBearerToken)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
}

func TestRegistrationRetryInterval(t *testing.T) {
	kv := store.NewMemory()
	require.NoError(t, kv.Set(store.KeyWiFiSSID, "home"))
	h := newHarness(t, kv, func(c *Config) { c.ProvisioningToken = "prov" })
	h.api.RegisterErr = errors.New("invalid token")
	now := h.connect(t)
	ctx := context.Background()

	require.NoError(t, h.relay.Step(ctx, now.Add(time.Second)))
	require.NoError(t, h.relay.Step(ctx, now.Add(5*time.Second)))
	assert.Len(t, h.api.Registers, 1)

	require.NoError(t, h.relay.Step(ctx, now.Add(11*time.Second)))
	assert.Len(t, h.api.Registers, 2)
	assert.Equal(t, StateConnectedUnregistered, h.relay.State())
}

func TestCommandsForwardedInOrderAndHeld(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	now := h.connect(t)
	ctx := context.Background()

	h.api.QueueCommands(
		backend.Command{ID: 5, Type: "valve_close"},
		backend.Command{ID: 6, Type: "arduino_config_update", Parameters: map[string]any{
			"k_factor": "6.5", "jarak_toleransi": 20.0,
		}},
	)
	now = now.Add(time.Second)
	require.NoError(t, h.relay.Step(ctx, now))

	sent := h.link.sent()
	require.Len(t, sent, 2)
	first := sent[0].(*protocol.Command)
	assert.Equal(t, int64(5), first.CommandID)
	assert.Nil(t, first.ConfigData)
	second := sent[1].(*protocol.Command)
	assert.Equal(t, int64(6), second.CommandID)
	require.NotNil(t, second.ConfigData)
	assert.Equal(t, 6.5, *second.ConfigData.CalibrationFactor)
	assert.Equal(t, 20.0, *second.ConfigData.DoorTolerance)

	// Still pending at the backend: not forwarded again while held.
	h.api.QueueCommands(backend.Command{ID: 5, Type: "valve_close"})
	now = now.Add(10 * time.Second)
	require.NoError(t, h.relay.Step(ctx, now))
	assert.Len(t, h.link.sent(), 2)

	h.relay.HandleFrame(ctx, now, frame(t, &protocol.Ack{
		CommandID: 5, Outcome: "acknowledged", Detail: "valve closed by command", ValveStatus: "closed",
	}))
	require.Len(t, h.api.Acks, 1)
	assert.Equal(t, backend.Ack{
		MeterID: "M-7", CommandID: 5, Outcome: "acknowledged",
		Detail: "valve closed by command", ValveStatus: "closed",
	}, h.api.Acks[0])

	h.api.QueueCommands(backend.Command{ID: 5, Type: "valve_close"})
	now = now.Add(10 * time.Second)
	require.NoError(t, h.relay.Step(ctx, now))
	assert.Len(t, h.link.sent(), 3)

	snap := h.relay.Snapshot()
	assert.Equal(t, 3, snap.CommandsForwarded)
	assert.Equal(t, 1, snap.AcksRelayed)
}

func TestHoldExpires(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	now := h.connect(t)
	ctx := context.Background()

	h.api.QueueCommands(backend.Command{ID: 9, Type: "valve_open"})
	now = now.Add(time.Second)
	require.NoError(t, h.relay.Step(ctx, now))

	h.api.QueueCommands(backend.Command{ID: 9, Type: "valve_open"})
	require.NoError(t, h.relay.Step(ctx, now.Add(61*time.Second)))
	assert.Len(t, h.link.sent(), 2)
}

func TestLinkLossAndRecovery(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	now := h.connect(t)
	ctx := context.Background()

	h.wifi.Drop()
	now = now.Add(time.Second)
	require.NoError(t, h.relay.Step(ctx, now))
	assert.Equal(t, StateReconnecting, h.relay.State())

	h.relay.HandleFrame(ctx, now, frame(t, &protocol.Telemetry{StatusTag: "normal"}))
	assert.Empty(t, h.api.Readings)

	h.wifi.Restore()
	require.NoError(t, h.relay.Step(ctx, now.Add(2*time.Second)))
	assert.Equal(t, StateReconnecting, h.relay.State(), "retry interval not reached")

	require.NoError(t, h.relay.Step(ctx, now.Add(5*time.Second)))
	assert.Equal(t, StateConnectedRegistered, h.relay.State())
	assert.True(t, h.relay.Snapshot().Registered)
}

func TestTransportFailureReconnects(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	now := h.connect(t)
	h.api.ReadingErr = fmt.Errorf("%w: dial tcp: refused", backend.ErrTransport)

	h.relay.HandleFrame(context.Background(), now, frame(t, &protocol.Telemetry{StatusTag: "normal"}))
	assert.Equal(t, StateReconnecting, h.relay.State())
	assert.Empty(t, h.link.sent())
	assert.Contains(t, h.relay.Snapshot().LastError, "transport")
}

func TestRejectedReadingKeepsSession(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	now := h.connect(t)
	h.api.ReadingErr = &backend.APIError{StatusCode: 400, Message: "meter not found"}

	h.relay.HandleFrame(context.Background(), now, frame(t, &protocol.Telemetry{StatusTag: "normal"}))
	assert.Equal(t, StateConnectedRegistered, h.relay.State())
	assert.Empty(t, h.link.sent())
	assert.NotEmpty(t, h.relay.Snapshot().LastError)
}

func runRelay(t *testing.T, h *harness) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.relay.Run(ctx, func() time.Time { return t0 }, nil, nil)
	}()
	return func() {
		stop()
		require.NoError(t, <-done)
	}
}

func TestProvisionSuccess(t *testing.T) {
	h := newHarness(t, store.NewMemory(), nil)
	stop := runRelay(t, h)

	err := h.relay.Provision(context.Background(), "prov-tok", wifi.Credentials{SSID: "home", Password: "password1"})
	require.NoError(t, err)
	assert.Equal(t, StateConnectedRegistered, h.relay.State())
	stop()

	assert.Equal(t, []string{"prov-tok"}, h.api.Registers)
	assert.Equal(t, "tok-1", h.api.Token)
	for key, want := range map[string]string{
		store.KeyWiFiSSID:     "home",
		store.KeyWiFiPassword: "password1",
		store.KeyMeterID:      "M-1",
		store.KeyBearerToken:  "tok-1",
	} {
		got, err := h.kv.Get(key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}
	snap := h.relay.Snapshot()
	assert.Equal(t, "home", snap.SSID)
	assert.Equal(t, "M-1", snap.MeterID)
}

func TestProvisionTakesAccessPointDown(t *testing.T) {
	h := newHarness(t, store.NewMemory(), nil)
	stop := runRelay(t, h)

	err := h.relay.Provision(context.Background(), "prov-tok", wifi.Credentials{SSID: "home", Password: "password1"})
	require.NoError(t, err)
	stop()

	assert.False(t, h.wifi.AccessPoint())
	assert.Equal(t, 1, h.wifi.APStops)
	assert.Equal(t, 1, h.wifi.APStarts)
}

func TestProvisionJoinFailureRestoresAccessPoint(t *testing.T) {
	h := newHarness(t, store.NewMemory(), nil)
	h.wifi.Accepted = func(wifi.Credentials) bool { return false }
	stop := runRelay(t, h)

	err := h.relay.Provision(context.Background(), "prov-tok", wifi.Credentials{SSID: "home", Password: "wrongpass"})
	assert.ErrorContains(t, err, "no link")
	assert.Equal(t, StateProvisioning, h.relay.State())
	stop()

	assert.True(t, h.wifi.AccessPoint())
	assert.Equal(t, 2, h.wifi.APStarts)
	assert.Equal(t, 1, h.wifi.APStops)
	assert.Empty(t, h.api.Registers)
	_, err = h.kv.Get(store.KeyWiFiSSID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProvisionRegisterFailure(t *testing.T) {
	h := newHarness(t, store.NewMemory(), nil)
	h.api.RegisterErr = &backend.APIError{StatusCode: 401, Message: "invalid provisioning token"}
	stop := runRelay(t, h)

	err := h.relay.Provision(context.Background(), "bad", wifi.Credentials{SSID: "home", Password: "password1"})
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Equal(t, StateProvisioning, h.relay.State())
	stop()

	_, err = h.kv.Get(store.KeyMeterID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProvisionRefusedWhenRegistered(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	now := h.connect(t)

	err := h.relay.provision(context.Background(), now, "tok", wifi.Credentials{SSID: "other", Password: "password1"})
	assert.ErrorIs(t, err, ErrNotProvisionable)
	assert.Equal(t, StateConnectedRegistered, h.relay.State())
}

func TestProvisionInvalidCredentials(t *testing.T) {
	h := newHarness(t, store.NewMemory(), nil)
	err := h.relay.Provision(context.Background(), "tok", wifi.Credentials{SSID: "home", Password: "short"})
	assert.ErrorIs(t, err, wifi.ErrInvalidCredentials)
}

func TestFirmwareUpdateEndsRun(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	u := &fakeUpdater{outcome: ota.Updated}
	h.relay.SetUpdater(u)
	now := h.connect(t)

	err := h.relay.Step(context.Background(), now.Add(time.Second))
	assert.ErrorIs(t, err, ErrUpdated)
	require.Len(t, u.calls, 1)
	assert.Equal(t, h.relay.Snapshot().DeviceID+"/tok-7", u.calls[0])
}

func TestFirmwareCheckInterval(t *testing.T) {
	h := newHarness(t, registeredStore(t), nil)
	u := &fakeUpdater{outcome: ota.Failed, err: errors.New("status 500")}
	h.relay.SetUpdater(u)
	now := h.connect(t)
	ctx := context.Background()

	require.NoError(t, h.relay.Step(ctx, now.Add(time.Second)))
	require.NoError(t, h.relay.Step(ctx, now.Add(30*time.Minute)))
	assert.Len(t, u.calls, 1)
	assert.Contains(t, h.relay.Snapshot().LastError, "status 500")

	require.NoError(t, h.relay.Step(ctx, now.Add(time.Hour+time.Second)))
	assert.Len(t, u.calls, 2)
}

func TestForwardCommand(t *testing.T) {
	open := ForwardCommand(backend.Command{ID: 1, Type: "valve_open", CurrentValveStatus: "closed",
		Parameters: map[string]any{"calibration_factor": 7.0}})
	assert.Equal(t, &protocol.Command{CommandType: "valve_open", CommandID: 1, CurrentValveStatus: "closed"}, open)

	cfg := ForwardCommand(backend.Command{ID: 2, Type: "config_update",
		Parameters: map[string]any{"calibration_factor": 7.0, "door_tolerance": "12"}})
	require.NotNil(t, cfg.ConfigData)
	assert.Equal(t, 7.0, *cfg.ConfigData.CalibrationFactor)
	assert.Equal(t, 12.0, *cfg.ConfigData.DoorTolerance)

	empty := ForwardCommand(backend.Command{ID: 3, Type: "config_update",
		Parameters: map[string]any{"door_tolerance": "far"}})
	assert.Nil(t, empty.ConfigData)
}

func TestValveStatus(t *testing.T) {
	tests := []struct {
		tag  string
		door int
		want string
	}{
		{"normal", 0, "open"},
		{"balance_exhausted", 0, "closed"},
		{"door_open", 1, "closed"},
		{"normal", 1, "closed"},
		{"door_closed", 0, "unknown"},
		{"low_voltage", 0, "unknown"},
	}
	for _, tt := range tests {
		got := ValveStatus(&protocol.Telemetry{StatusTag: tt.tag, DoorOpen: tt.door})
		assert.Equal(t, tt.want, got, "%s door=%d", tt.tag, tt.door)
	}
}
