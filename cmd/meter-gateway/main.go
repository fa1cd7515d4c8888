// Command meter-gateway relays the meter node's serial link to the billing
// backend and publishes what it relays to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/water-meter/internal/backend"
	"github.com/sweeney/water-meter/internal/config"
	"github.com/sweeney/water-meter/internal/gateway"
	"github.com/sweeney/water-meter/internal/mqtt"
	"github.com/sweeney/water-meter/internal/ota"
	"github.com/sweeney/water-meter/internal/protocol"
	"github.com/sweeney/water-meter/internal/status"
	"github.com/sweeney/water-meter/internal/store"
	"github.com/sweeney/water-meter/internal/web"
	"github.com/sweeney/water-meter/internal/wifi"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	link := flag.String("link", "", "Serial device to the meter node (overrides config)")
	storePath := flag.String("store", "", "Settings database path (overrides config)")
	httpAddr := flag.String("http", "", `HTTP status address (overrides config, "off" disables)`)
	backendURL := flag.String("backend", "", "Backend base URL (overrides config)")
	broker := flag.String("broker", "", `MQTT broker address (overrides config, "off" disables)`)
	wsBroker := flag.String("ws-broker", "", `MQTT websocket URL for live UI ("=broker" derives from the broker, "off" disables)`)
	heartbeat := flag.Duration("heartbeat", -1, "Heartbeat interval (overrides config, 0 to disable)")
	showVersion := flag.Bool("version", false, "Print the firmware version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("fatal: %v", err)
		}
		cfg = c
	}
	gc := &cfg.Gateway
	if *link != "" {
		gc.Link = *link
	}
	if *storePath != "" {
		cfg.Store = *storePath
	}
	if *httpAddr == "off" {
		cfg.HTTP = ""
	} else if *httpAddr != "" {
		cfg.HTTP = *httpAddr
	}
	if *backendURL != "" {
		gc.BackendURL = *backendURL
	}
	if *broker == "off" {
		gc.Broker = ""
	} else if *broker != "" {
		gc.Broker = *broker
	}
	if *wsBroker != "" {
		gc.WSBroker = *wsBroker
	}
	if *heartbeat >= 0 {
		gc.Heartbeat = config.Duration(*heartbeat)
	}

	err := run(cfg)
	if errors.Is(err, gateway.ErrUpdated) {
		log.Printf("%v; exiting", err)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func relayConfig(gc config.GatewayConfig) gateway.Config {
	cfg := gateway.DefaultConfig()
	if gc.APSSID != "" {
		cfg.APSSID = gc.APSSID
	}
	cfg.APPassword = gc.APPassword
	cfg.ProvisioningToken = gc.ProvisioningToken
	if gc.PollInterval > 0 {
		cfg.PollInterval = gc.PollInterval.D()
	}
	cfg.OTAInterval = gc.OTAInterval.D()
	return cfg
}

func run(cfg *config.Config) error {
	gc := cfg.Gateway
	if gc.BackendURL == "" {
		return errors.New("no backend URL configured")
	}

	kv, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	wm, err := wifi.NewNetworkManager(gc.Interface)
	if err != nil {
		return fmt.Errorf("init wifi: %w", err)
	}
	defer wm.Close()

	api := backend.NewClient(gc.BackendURL, gc.BackendTimeout.D())

	linkFile, err := os.OpenFile(gc.Link, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("open link: %w", err)
	}
	defer linkFile.Close()

	frames := make(chan []byte, 8)
	reader := protocol.NewLineReader(linkFile)
	go func() {
		err := protocol.Pump(reader, frames)
		log.Printf("link: reader stopped: %v (%d frames dropped)", err, reader.Dropped())
	}()

	relay, err := gateway.NewRelay(relayConfig(gc), kv, wm, api, protocol.NewWriter(linkFile))
	if err != nil {
		return fmt.Errorf("init relay: %w", err)
	}
	if gc.FirmwareURL != "" {
		relay.SetUpdater(ota.NewChecker(gc.FirmwareURL, gc.FirmwarePath, version, 0))
	}

	ws := ""
	if gc.Broker != "" {
		ws = resolveWSBroker(gc.WSBroker, gc.Broker)
	}
	tracker := status.NewTracker(time.Now(), status.Config{
		Role:        "gateway",
		TickMs:      gc.Tick.D().Milliseconds(),
		HeartbeatMs: gc.Heartbeat.D().Milliseconds(),
		Broker:      gc.Broker,
		HTTPPort:    cfg.HTTP,
		WSBroker:    ws,
		Link:        gc.Link,
		Backend:     gc.BackendURL,
	})
	if info := status.ReadNetworkInfo(); info != nil {
		tracker.SetNetwork(info)
	}

	d := &daemon{
		relay:     relay,
		tracker:   tracker,
		heartbeat: gc.Heartbeat.D(),
	}
	if gc.Broker != "" {
		publisher := mqtt.NewRealPublisher(gc.Broker, "meter-gateway")
		defer publisher.Close()
		d.pub, d.mqttStatus = publisher, publisher
	}
	relay.SetEvents(&relayEvents{pub: d.pub, refresh: d.refresh})

	d.refresh()
	d.publishSystem(mqtt.SystemEvent{
		Timestamp:  time.Now(),
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(tracker.Snapshot(), "STARTUP", ""),
	})

	if cfg.HTTP != "" {
		srv := web.New(cfg.HTTP, tracker, relay)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http server listening on %s", cfg.HTTP)
	}

	log.Printf("started: version=%s device=%s backend=%s link=%s broker=%s", version, relay.Snapshot().DeviceID, gc.BackendURL, gc.Link, gc.Broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayTicker := time.NewTicker(gc.Tick.D())
	defer relayTicker.Stop()
	relayDone := make(chan error, 1)
	go func() {
		relayDone <- relay.Run(ctx, time.Now, relayTicker.C, frames)
	}()

	ticker := time.NewTicker(gc.Tick.D())
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err = runLoop(d, time.Now, ticker.C, sigCh, relayDone)
	if errors.Is(err, errSignalled) {
		cancel()
		<-relayDone
		return nil
	}
	return err
}

func openStore(path string) (store.KV, func() error, error) {
	if path == "" {
		log.Printf("store: no path configured, provisioning will not survive a restart")
		return store.NewMemory(), func() error { return nil }, nil
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return db, db.Close, nil
}

// errSignalled is returned by runLoop when it stopped on a signal and the
// relay is still running.
var errSignalled = errors.New("signalled")

// snapshotter is the part of the relay the daemon loop reads.
type snapshotter interface {
	Snapshot() gateway.Snapshot
}

// daemon owns the lifecycle events and the status view of the relay.
type daemon struct {
	relay      snapshotter
	pub        mqtt.Publisher // nil when MQTT is disabled
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	heartbeat  time.Duration

	lastHeartbeat time.Time
}

func runLoop(d *daemon, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal, relayDone <-chan error) error {
	d.lastHeartbeat = now()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			d.shutdown(now(), signalName(s))
			return errSignalled

		case err := <-relayDone:
			if errors.Is(err, gateway.ErrUpdated) {
				d.shutdown(now(), "FIRMWARE_UPDATE")
				return err
			}
			if err == nil {
				err = errors.New("relay stopped")
			}
			d.shutdown(now(), "ERROR")
			return err

		case <-tick:
			t := now()
			d.refresh()

			if d.heartbeat > 0 && t.Sub(d.lastHeartbeat) >= d.heartbeat {
				d.lastHeartbeat = t
				if info := status.ReadNetworkInfo(); info != nil {
					d.tracker.SetNetwork(info)
				}
				snap := d.tracker.Snapshot()
				if g := snap.Gateway; g != nil {
					log.Printf("heartbeat: state=%s readings=%d commands=%d acks=%d dropped=%d", g.State, g.Readings, g.Commands, g.Acks, g.Dropped)
				}
				d.publishSystem(mqtt.SystemEvent{
					Timestamp:  t,
					Event:      "HEARTBEAT",
					RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
				})
			}
		}
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

func (d *daemon) shutdown(t time.Time, reason string) {
	d.refresh()
	d.publishSystem(mqtt.SystemEvent{
		Timestamp:  t,
		Event:      "SHUTDOWN",
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(d.tracker.Snapshot(), "SHUTDOWN", reason),
	})
}

func (d *daemon) publishSystem(event mqtt.SystemEvent) {
	if d.pub == nil {
		return
	}
	if err := d.pub.PublishSystem(event); err != nil {
		log.Printf("failed to publish %s event: %v", event.Event, err)
		return
	}
	log.Printf("published %s event", event.Event)
}

// refresh copies the relay state into the status tracker.
func (d *daemon) refresh() {
	d.tracker.UpdateGateway(gatewayStatus(d.relay.Snapshot()))
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
}

func gatewayStatus(s gateway.Snapshot) status.Gateway {
	return status.Gateway{
		State:      s.State.String(),
		Since:      s.Since,
		DeviceID:   s.DeviceID,
		MeterID:    s.MeterID,
		SSID:       s.SSID,
		Registered: s.Registered,
		HasAccount: s.HasAccount,
		Balance:    s.LastAccount.Balance,
		Unlocked:   s.LastAccount.Unlocked,
		Readings:   s.ReadingsRelayed,
		Commands:   s.CommandsForwarded,
		Acks:       s.AcksRelayed,
		Dropped:    s.FramesDropped,
		LastError:  s.LastError,
	}
}

// relayEvents publishes relay notifications to MQTT.
type relayEvents struct {
	pub     mqtt.Publisher // nil when MQTT is disabled
	refresh func()
}

func (e *relayEvents) StateChanged(from, to gateway.State, at time.Time) {
	if e.refresh != nil {
		e.refresh()
	}
	if e.pub == nil {
		return
	}
	event := mqtt.SystemEvent{
		Timestamp: at,
		Event:     "STATE",
		State:     to.String(),
		Previous:  from.String(),
		Retained:  true,
	}
	if err := e.pub.PublishSystem(event); err != nil {
		log.Printf("failed to publish state event: %v", err)
	}
}

func (e *relayEvents) ReadingRelayed(r backend.Reading, acct backend.Account, at time.Time) {
	if e.refresh != nil {
		e.refresh()
	}
	if e.pub == nil {
		return
	}
	reading := mqtt.Reading{
		Timestamp:        at,
		MeterID:          r.MeterID,
		FlowRate:         r.FlowRate,
		CumulativeVolume: r.CumulativeVolume,
		Voltage:          r.Voltage,
		DoorOpen:         r.DoorOpen,
		StatusTag:        r.StatusTag,
		ValveStatus:      r.ValveStatus,
		Balance:          acct.Balance,
		TariffPerVolume:  acct.TariffPerVolume,
		Unlocked:         acct.Unlocked,
	}
	if err := e.pub.PublishReading(reading); err != nil {
		log.Printf("publish error: %v", err)
	}
}

// resolveWSBroker converts the ws-broker setting into a concrete URL.
// "=broker" derives ws://host:9001 from the TCP broker address; "off" disables.
func resolveWSBroker(ws, broker string) string {
	if ws == "off" || ws == "" {
		return ""
	}
	if ws != "=broker" {
		return ws
	}
	u, err := url.Parse(broker)
	if err != nil {
		log.Printf("ws-broker: cannot parse broker %q: %v", broker, err)
		return ""
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String()
}
