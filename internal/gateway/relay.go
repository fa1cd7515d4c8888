package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/water-meter/internal/backend"
	"github.com/sweeney/water-meter/internal/ota"
	"github.com/sweeney/water-meter/internal/protocol"
	"github.com/sweeney/water-meter/internal/store"
	"github.com/sweeney/water-meter/internal/wifi"
)

// ErrUpdated is returned by Run after new firmware was installed.
var ErrUpdated = errors.New("gateway: firmware updated, restart required")

// Link is the write side of the node link.
type Link interface {
	Send(msg protocol.Message) error
}

// Updater checks for and installs new firmware.
type Updater interface {
	Check(ctx context.Context, deviceID, token string) (ota.Outcome, error)
}

// Relay is the gateway state machine. All state changes happen on the
// goroutine running Run; Snapshot and Provision are safe from others.
type Relay struct {
	cfg     Config
	kv      store.KV
	wifi    wifi.Manager
	api     backend.API
	link    Link
	updater Updater
	events  Events
	sleep   func(time.Duration)

	provisions chan provisionRequest

	// loop-owned
	creds     wifi.Credentials
	provToken string
	joined    bool
	apUp      bool
	attempts  int
	inflight  map[int64]time.Time

	lastRegister  time.Time
	lastPoll      time.Time
	lastReconnect time.Time
	lastOTA       time.Time

	mu   sync.RWMutex
	snap Snapshot
	// mirrors of snap fields read by the loop
	meterID string
	token   string
}

// NewRelay loads the persisted session. A device id is generated and stored
// on first boot.
func NewRelay(cfg Config, kv store.KV, wm wifi.Manager, api backend.API, link Link) (*Relay, error) {
	r := &Relay{
		cfg:        cfg,
		kv:         kv,
		wifi:       wm,
		api:        api,
		link:       link,
		events:     noEvents{},
		sleep:      time.Sleep,
		provisions: make(chan provisionRequest),
		inflight:   make(map[int64]time.Time),
		provToken:  cfg.ProvisioningToken,
	}

	deviceID, err := kv.Get(store.KeyDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		deviceID = uuid.NewString()
		if err := kv.Set(store.KeyDeviceID, deviceID); err != nil {
			return nil, fmt.Errorf("persist device id: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load device id: %w", err)
	}

	r.creds.SSID = optional(kv, store.KeyWiFiSSID)
	r.creds.Password = optional(kv, store.KeyWiFiPassword)
	r.meterID = optional(kv, store.KeyMeterID)
	r.token = optional(kv, store.KeyBearerToken)
	if r.token != "" {
		api.SetToken(r.token)
	}

	r.snap = Snapshot{
		DeviceID:   deviceID,
		MeterID:    r.meterID,
		SSID:       r.creds.SSID,
		Registered: r.registered(),
	}
	return r, nil
}

func optional(kv store.KV, key string) string {
	v, err := kv.Get(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("gateway: load %s: %v", key, err)
		}
		return ""
	}
	return v
}

// SetUpdater enables periodic firmware checks.
func (r *Relay) SetUpdater(u Updater) { r.updater = u }

// SetEvents installs an event observer.
func (r *Relay) SetEvents(e Events) {
	if e == nil {
		e = noEvents{}
	}
	r.events = e
}

// SetSleep replaces the sleep used while waiting for a provisioning join.
func (r *Relay) SetSleep(fn func(time.Duration)) { r.sleep = fn }

// Snapshot returns a copy of the relay state.
func (r *Relay) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// State returns the current state.
func (r *Relay) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.State
}

func (r *Relay) registered() bool {
	return r.meterID != "" && r.token != ""
}

func (r *Relay) deviceID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.DeviceID
}

func (r *Relay) update(fn func(s *Snapshot)) {
	r.mu.Lock()
	fn(&r.snap)
	r.mu.Unlock()
}

func (r *Relay) setState(to State, now time.Time) {
	r.mu.Lock()
	from := r.snap.State
	r.snap.State = to
	r.snap.Since = now
	r.mu.Unlock()

	if from != to {
		log.Printf("gateway: %s -> %s", from, to)
		r.events.StateChanged(from, to, now)
	}
}

func (r *Relay) recordError(now time.Time, err error) {
	log.Printf("gateway: %v", err)
	r.update(func(s *Snapshot) {
		s.LastError = err.Error()
		s.LastErrorAt = now
	})
}

// Start chooses the boot state from the stored credentials.
func (r *Relay) Start(ctx context.Context, now time.Time) {
	if r.creds.SSID != "" {
		r.enterConnecting(ctx, now)
		return
	}
	r.enterProvisioning(ctx, now)
}

func (r *Relay) enterProvisioning(ctx context.Context, now time.Time) {
	r.joined = false
	if err := r.wifi.StartAccessPoint(ctx, r.cfg.APSSID, r.cfg.APPassword); err != nil {
		r.recordError(now, fmt.Errorf("start access point: %w", err))
	} else {
		r.apUp = true
	}
	r.setState(StateProvisioning, now)
}

// stopAccessPoint takes the setup network down before the radio joins an
// uplink.
func (r *Relay) stopAccessPoint(ctx context.Context, now time.Time) {
	if !r.apUp {
		return
	}
	r.apUp = false
	if err := r.wifi.StopAccessPoint(ctx); err != nil {
		r.recordError(now, fmt.Errorf("stop access point: %w", err))
	}
}

func (r *Relay) enterConnecting(ctx context.Context, now time.Time) {
	r.attempts = 0
	r.joined = false
	r.setState(StateConnecting, now)
	r.join(ctx, now)
}

func (r *Relay) join(ctx context.Context, now time.Time) {
	r.stopAccessPoint(ctx, now)
	if err := r.wifi.Join(ctx, r.creds); err != nil {
		r.recordError(now, fmt.Errorf("join %q: %w", r.creds.SSID, err))
		return
	}
	r.joined = true
}

func (r *Relay) enterConnected(now time.Time) {
	if r.registered() {
		// Poll promptly after (re)connecting.
		r.lastPoll = now.Add(-r.cfg.PollInterval)
		r.setState(StateConnectedRegistered, now)
		return
	}
	r.lastRegister = now.Add(-r.cfg.RegisterInterval)
	r.setState(StateConnectedUnregistered, now)
}

func (r *Relay) enterReconnecting(now time.Time, cause error) {
	r.recordError(now, fmt.Errorf("link lost: %w", cause))
	r.lastReconnect = now
	r.setState(StateReconnecting, now)
}

// Step runs one tick of the state machine.
func (r *Relay) Step(ctx context.Context, now time.Time) error {
	switch r.State() {
	case StateProvisioning:
		// Waits for a provisioning request.

	case StateConnecting:
		if !r.joined {
			r.join(ctx, now)
		} else if up, err := r.wifi.Connected(ctx); err != nil {
			r.recordError(now, err)
		} else if up {
			r.enterConnected(now)
			return nil
		}
		r.attempts++
		if r.attempts >= r.cfg.ConnectAttempts {
			log.Printf("gateway: no link after %d attempts", r.attempts)
			r.enterProvisioning(ctx, now)
		}

	case StateConnectedUnregistered:
		if !r.linkUp(ctx, now) {
			return nil
		}
		if r.provToken != "" && now.Sub(r.lastRegister) >= r.cfg.RegisterInterval {
			r.lastRegister = now
			if err := r.register(ctx, now, r.provToken); err == nil {
				r.enterConnected(now)
			}
		}

	case StateConnectedRegistered:
		if !r.linkUp(ctx, now) {
			return nil
		}
		if now.Sub(r.lastPoll) >= r.cfg.PollInterval {
			r.lastPoll = now
			r.poll(ctx, now)
		}
		if r.State() == StateConnectedRegistered && r.updater != nil && r.cfg.OTAInterval > 0 &&
			now.Sub(r.lastOTA) >= r.cfg.OTAInterval {
			r.lastOTA = now
			if r.checkFirmware(ctx, now) {
				return ErrUpdated
			}
		}

	case StateReconnecting:
		if now.Sub(r.lastReconnect) < r.cfg.ReconnectInterval {
			return nil
		}
		r.lastReconnect = now
		up, err := r.wifi.Connected(ctx)
		if err != nil {
			r.recordError(now, err)
		}
		if up {
			r.enterConnected(now)
			return nil
		}
		r.join(ctx, now)
	}
	return nil
}

// linkUp checks the uplink and moves to Reconnecting when it is down.
func (r *Relay) linkUp(ctx context.Context, now time.Time) bool {
	up, err := r.wifi.Connected(ctx)
	if err != nil {
		r.enterReconnecting(now, err)
		return false
	}
	if !up {
		r.enterReconnecting(now, errors.New("uplink down"))
		return false
	}
	return true
}

// backendFailed moves to Reconnecting on a transport failure. It reports
// whether err was one.
func (r *Relay) backendFailed(now time.Time, err error) bool {
	if errors.Is(err, backend.ErrTransport) {
		r.enterReconnecting(now, err)
		return true
	}
	r.recordError(now, err)
	return false
}

func (r *Relay) register(ctx context.Context, now time.Time, token string) error {
	reg, err := r.api.Register(ctx, token, r.deviceID())
	if err != nil {
		r.backendFailed(now, err)
		return err
	}
	if err := r.kv.Set(store.KeyMeterID, reg.MeterID); err != nil {
		return fmt.Errorf("persist meter id: %w", err)
	}
	if err := r.kv.Set(store.KeyBearerToken, reg.Token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	r.meterID, r.token = reg.MeterID, reg.Token
	r.api.SetToken(reg.Token)
	r.update(func(s *Snapshot) {
		s.MeterID = reg.MeterID
		s.Registered = true
	})
	log.Printf("gateway: registered as meter %s", reg.MeterID)
	return nil
}

func (r *Relay) checkFirmware(ctx context.Context, now time.Time) bool {
	outcome, err := r.updater.Check(ctx, r.deviceID(), r.token)
	switch outcome {
	case ota.Updated:
		log.Printf("gateway: firmware updated")
		return true
	case ota.Failed:
		r.recordError(now, fmt.Errorf("firmware check: %w", err))
	}
	return false
}

// HandleFrame relays one frame from the node. Frames are only relayed in
// ConnectedRegistered; anything else is dropped.
func (r *Relay) HandleFrame(ctx context.Context, now time.Time, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		r.drop(fmt.Sprintf("%v", err))
		return
	}
	if st := r.State(); st != StateConnectedRegistered {
		r.drop(fmt.Sprintf("%s frame while %s", msg.Kind(), st))
		return
	}

	switch m := msg.(type) {
	case *protocol.Telemetry:
		r.relayTelemetry(ctx, now, m)
	case *protocol.Ack:
		r.relayAck(ctx, now, m)
	default:
		r.drop(fmt.Sprintf("unexpected %s frame from node", msg.Kind()))
	}
}

func (r *Relay) drop(reason string) {
	log.Printf("gateway: dropped frame: %s", reason)
	r.update(func(s *Snapshot) { s.FramesDropped++ })
}

// ValveStatus infers the valve position reported with a reading.
func ValveStatus(t *protocol.Telemetry) string {
	switch {
	case t.StatusTag == "balance_exhausted" || t.DoorOpen == 1:
		return "closed"
	case t.StatusTag == "normal":
		return "open"
	default:
		return "unknown"
	}
}

func (r *Relay) relayTelemetry(ctx context.Context, now time.Time, t *protocol.Telemetry) {
	reading := backend.Reading{
		MeterID:          r.meterID,
		FlowRate:         t.FlowRate,
		CumulativeVolume: t.CumulativeVolume,
		Voltage:          t.Voltage,
		DoorOpen:         t.DoorOpen == 1,
		StatusTag:        t.StatusTag,
		ValveStatus:      ValveStatus(t),
	}

	acct, err := r.api.SubmitReading(ctx, reading)
	if err != nil {
		r.backendFailed(now, err)
		return
	}

	r.update(func(s *Snapshot) {
		s.ReadingsRelayed++
		s.HasAccount = true
		s.LastAccount = acct
		s.LastReading = now
	})
	r.events.ReadingRelayed(reading, acct, now)

	update := &protocol.AccountUpdate{
		MeterID:         r.meterID,
		Balance:         acct.Balance,
		TariffPerVolume: acct.TariffPerVolume,
		Unlocked:        acct.Unlocked,
	}
	if err := r.link.Send(update); err != nil {
		r.recordError(now, fmt.Errorf("send account update: %w", err))
	}
}

func (r *Relay) relayAck(ctx context.Context, now time.Time, a *protocol.Ack) {
	err := r.api.AckCommand(ctx, backend.Ack{
		MeterID:     r.meterID,
		CommandID:   a.CommandID,
		Outcome:     a.Outcome,
		Detail:      a.Detail,
		ValveStatus: a.ValveStatus,
	})
	if err != nil {
		r.backendFailed(now, err)
		return
	}
	delete(r.inflight, a.CommandID)
	r.update(func(s *Snapshot) { s.AcksRelayed++ })
}

func (r *Relay) poll(ctx context.Context, now time.Time) {
	cmds, err := r.api.PollCommands(ctx, r.meterID)
	if err != nil {
		r.backendFailed(now, err)
		return
	}

	for id, at := range r.inflight {
		if now.Sub(at) >= r.cfg.CommandHold {
			delete(r.inflight, id)
		}
	}

	for _, c := range cmds {
		if _, held := r.inflight[c.ID]; held {
			continue
		}
		if err := r.link.Send(ForwardCommand(c)); err != nil {
			r.recordError(now, fmt.Errorf("forward command %d: %w", c.ID, err))
			return
		}
		r.inflight[c.ID] = now
		r.update(func(s *Snapshot) { s.CommandsForwarded++ })
		log.Printf("gateway: forwarded command %d (%s)", c.ID, c.Type)
	}
}

// Run drives the relay until ctx is cancelled: ticks step the state
// machine, frames from the node are relayed and provisioning requests are
// served, one at a time. A nil frames channel disables relaying.
func (r *Relay) Run(ctx context.Context, now func() time.Time, tick <-chan time.Time, frames <-chan []byte) error {
	r.Start(ctx, now())

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-tick:
			if err := r.Step(ctx, now()); err != nil {
				return err
			}

		case frame, ok := <-frames:
			if !ok {
				log.Printf("gateway: node link closed")
				frames = nil
				continue
			}
			r.HandleFrame(ctx, now(), frame)

		case req := <-r.provisions:
			req.reply <- r.provision(ctx, now(), req.token, req.creds)
		}
	}
}
