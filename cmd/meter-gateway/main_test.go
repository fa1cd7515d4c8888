package main

import (
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/water-meter/internal/backend"
	"github.com/sweeney/water-meter/internal/config"
	"github.com/sweeney/water-meter/internal/gateway"
	"github.com/sweeney/water-meter/internal/mqtt"
	"github.com/sweeney/water-meter/internal/status"
)

var testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Only called from runLoop's goroutine.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

type fakeRelay struct {
	snap gateway.Snapshot
}

func (f *fakeRelay) Snapshot() gateway.Snapshot { return f.snap }

type fakeStatus bool

func (f fakeStatus) IsConnected() bool { return bool(f) }

func newTestDaemon(pub *mqtt.FakePublisher, heartbeat time.Duration) *daemon {
	return &daemon{
		relay: &fakeRelay{snap: gateway.Snapshot{
			State:      gateway.StateConnectedRegistered,
			DeviceID:   "dev-1",
			MeterID:    "M-1",
			Registered: true,
		}},
		pub:        pub,
		mqttStatus: fakeStatus(true),
		tracker:    status.NewTracker(testStart, status.Config{Role: "gateway", Broker: "tcp://broker:1883"}),
		heartbeat:  heartbeat,
	}
}

// runRunLoop drives runLoop for nTicks, then sends the signal.
func runRunLoop(t *testing.T, d *daemon, clock func() time.Time, nTicks int, signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	relayDone := make(chan error)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(d, clock, tick, sig, relayDone)
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	sig <- signal

	return <-errCh
}

func TestResolveWSBroker(t *testing.T) {
	tests := []struct {
		ws, broker, want string
	}{
		{"=broker", "tcp://192.168.1.200:1883", "ws://192.168.1.200:9001"},
		{"=broker", "tcp://mqtt.local:1883", "ws://mqtt.local:9001"},
		{"off", "tcp://192.168.1.200:1883", ""},
		{"", "tcp://192.168.1.200:1883", ""},
		{"wss://example.com/mqtt", "tcp://192.168.1.200:1883", "wss://example.com/mqtt"},
		{"=broker", "://bad", ""},
	}
	for _, tt := range tests {
		if got := resolveWSBroker(tt.ws, tt.broker); got != tt.want {
			t.Errorf("resolveWSBroker(%q, %q) = %q, want %q", tt.ws, tt.broker, got, tt.want)
		}
	}
}

func TestSignalName(t *testing.T) {
	if got := signalName(syscall.SIGINT); got != "SIGINT" {
		t.Errorf("got %q", got)
	}
	if got := signalName(syscall.SIGTERM); got != "SIGTERM" {
		t.Errorf("got %q", got)
	}
	if got := signalName(syscall.SIGHUP); got != "UNKNOWN" {
		t.Errorf("got %q", got)
	}
}

func TestRelayConfig(t *testing.T) {
	gc := config.Default().Gateway
	gc.APPassword = "setup123"
	gc.ProvisioningToken = "prov-1"
	gc.PollInterval = config.Duration(30 * time.Second)
	gc.OTAInterval = 0

	cfg := relayConfig(gc)
	if cfg.APSSID != "WaterMeter-Setup" || cfg.APPassword != "setup123" {
		t.Errorf("access point: got %q/%q", cfg.APSSID, cfg.APPassword)
	}
	if cfg.ProvisioningToken != "prov-1" {
		t.Errorf("token: got %q", cfg.ProvisioningToken)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("poll: got %v", cfg.PollInterval)
	}
	if cfg.OTAInterval != 0 {
		t.Errorf("ota: got %v, want disabled", cfg.OTAInterval)
	}
	if cfg.ConnectAttempts != 30 || cfg.CommandHold != time.Minute {
		t.Errorf("defaults not kept: %+v", cfg)
	}
}

func TestRunLoopShutdownEvent(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, 0)
	clock := fakeClock(testStart, time.Second)

	err := runRunLoop(t, d, clock, 2, syscall.SIGTERM)
	if !errors.Is(err, errSignalled) {
		t.Fatalf("runLoop returned %v, want errSignalled", err)
	}

	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	ev := pub.SystemEvents[0]
	if ev.Event != "SHUTDOWN" || ev.Reason != "SIGTERM" || !ev.Retained {
		t.Errorf("got %+v", ev)
	}
	if len(ev.RawPayload) == 0 {
		t.Error("expected a status payload")
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, 0)

	runRunLoop(t, d, fakeClock(testStart, time.Second), 0, syscall.SIGINT)

	if len(pub.SystemEvents) != 1 || pub.SystemEvents[0].Reason != "SIGINT" {
		t.Errorf("got %+v", pub.SystemEvents)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, 5*time.Minute)
	clock := fakeClock(testStart, time.Minute)

	runRunLoop(t, d, clock, 11, syscall.SIGTERM)

	got := pub.Events()
	want := []string{"HEARTBEAT", "HEARTBEAT", "SHUTDOWN"}
	if len(got) != len(want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}
	if pub.SystemEvents[0].Retained {
		t.Error("heartbeat should not be retained")
	}
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, 0)

	runRunLoop(t, d, fakeClock(testStart, time.Hour), 5, syscall.SIGTERM)

	if got := pub.Events(); len(got) != 1 || got[0] != "SHUTDOWN" {
		t.Errorf("events: got %v, want [SHUTDOWN]", got)
	}
}

func TestRunLoopWithoutBroker(t *testing.T) {
	d := newTestDaemon(nil, time.Minute)
	d.pub = nil
	d.mqttStatus = nil

	err := runRunLoop(t, d, fakeClock(testStart, time.Minute), 3, syscall.SIGTERM)
	if !errors.Is(err, errSignalled) {
		t.Fatalf("runLoop returned %v", err)
	}
}

func TestRunLoopRefreshesStatus(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, 0)

	runRunLoop(t, d, fakeClock(testStart, time.Second), 1, syscall.SIGTERM)

	snap := d.tracker.Snapshot()
	if !snap.Ready {
		t.Error("expected ready once registered")
	}
	if !snap.MQTTConnected {
		t.Error("expected mqtt connected")
	}
	if snap.Gateway == nil || snap.Gateway.MeterID != "M-1" || snap.Gateway.State != "connected_registered" {
		t.Errorf("gateway status: got %+v", snap.Gateway)
	}
}

func TestRunLoopFirmwareUpdate(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, 0)

	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)
	relayDone := make(chan error, 1)
	relayDone <- gateway.ErrUpdated

	err := runLoop(d, fakeClock(testStart, time.Second), tick, sig, relayDone)
	if !errors.Is(err, gateway.ErrUpdated) {
		t.Fatalf("runLoop returned %v, want ErrUpdated", err)
	}
	if len(pub.SystemEvents) != 1 || pub.SystemEvents[0].Reason != "FIRMWARE_UPDATE" {
		t.Errorf("got %+v", pub.SystemEvents)
	}
}

func TestRunLoopRelayStopped(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, 0)

	relayDone := make(chan error, 1)
	relayDone <- nil

	err := runLoop(d, fakeClock(testStart, time.Second), make(chan time.Time), make(chan os.Signal), relayDone)
	if err == nil {
		t.Fatal("expected an error when the relay stops on its own")
	}
	if len(pub.SystemEvents) != 1 || pub.SystemEvents[0].Reason != "ERROR" {
		t.Errorf("got %+v", pub.SystemEvents)
	}
}

func TestRunLoopPublishErrorDoesNotStop(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishSystemError = errors.New("broker down")
	d := newTestDaemon(pub, time.Minute)

	err := runRunLoop(t, d, fakeClock(testStart, time.Minute), 3, syscall.SIGTERM)
	if !errors.Is(err, errSignalled) {
		t.Fatalf("runLoop returned %v", err)
	}
	if len(pub.SystemEvents) != 0 {
		t.Errorf("expected nothing recorded, got %d", len(pub.SystemEvents))
	}
}

func TestGatewayStatus(t *testing.T) {
	since := testStart.Add(time.Minute)
	got := gatewayStatus(gateway.Snapshot{
		State:             gateway.StateReconnecting,
		Since:             since,
		DeviceID:          "dev-1",
		MeterID:           "M-1",
		SSID:              "home",
		Registered:        true,
		HasAccount:        true,
		LastAccount:       backend.Account{Balance: 1234.5, Unlocked: true},
		ReadingsRelayed:   4,
		CommandsForwarded: 3,
		AcksRelayed:       2,
		FramesDropped:     1,
		LastError:         "link lost",
	})

	want := status.Gateway{
		State:      "reconnecting",
		Since:      since,
		DeviceID:   "dev-1",
		MeterID:    "M-1",
		SSID:       "home",
		Registered: true,
		HasAccount: true,
		Balance:    1234.5,
		Unlocked:   true,
		Readings:   4,
		Commands:   3,
		Acks:       2,
		Dropped:    1,
		LastError:  "link lost",
	}
	if got != want {
		t.Errorf("got %+v\nwant %+v", got, want)
	}
}

func TestRelayEventsPublish(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	refreshed := 0
	e := &relayEvents{pub: pub, refresh: func() { refreshed++ }}

	e.StateChanged(gateway.StateConnecting, gateway.StateConnectedRegistered, testStart)
	e.ReadingRelayed(
		backend.Reading{MeterID: "M-1", FlowRate: 2.5, CumulativeVolume: 100, Voltage: 12, StatusTag: "normal", ValveStatus: "open"},
		backend.Account{Balance: 4980, TariffPerVolume: 2},
		testStart.Add(time.Second),
	)

	if refreshed != 2 {
		t.Errorf("refresh calls: got %d, want 2", refreshed)
	}
	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	ev := pub.SystemEvents[0]
	if ev.Event != "STATE" || ev.State != "connected_registered" || ev.Previous != "connecting" || !ev.Retained {
		t.Errorf("state event: got %+v", ev)
	}

	if len(pub.Readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(pub.Readings))
	}
	r := pub.Readings[0]
	if r.MeterID != "M-1" || r.Balance != 4980 || r.TariffPerVolume != 2 || r.ValveStatus != "open" {
		t.Errorf("reading: got %+v", r)
	}
	if !r.Timestamp.Equal(testStart.Add(time.Second)) {
		t.Errorf("timestamp: got %v", r.Timestamp)
	}
}

func TestRelayEventsWithoutBroker(t *testing.T) {
	refreshed := 0
	e := &relayEvents{refresh: func() { refreshed++ }}

	e.StateChanged(gateway.StateProvisioning, gateway.StateConnecting, testStart)
	e.ReadingRelayed(backend.Reading{}, backend.Account{}, testStart)

	if refreshed != 2 {
		t.Errorf("refresh calls: got %d, want 2", refreshed)
	}
}
