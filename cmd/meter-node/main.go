// Command meter-node meters water flow, enforces the valve interlock and
// exchanges telemetry, account updates and commands with the gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/water-meter/internal/actuator"
	"github.com/sweeney/water-meter/internal/config"
	"github.com/sweeney/water-meter/internal/gpio"
	"github.com/sweeney/water-meter/internal/logic"
	"github.com/sweeney/water-meter/internal/protocol"
	"github.com/sweeney/water-meter/internal/status"
	"github.com/sweeney/water-meter/internal/store"
	"github.com/sweeney/water-meter/internal/web"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	link := flag.String("link", "", "Serial device to the gateway (overrides config)")
	storePath := flag.String("store", "", "Settings database path (overrides config)")
	httpAddr := flag.String("http", "", `HTTP status address (overrides config, "off" disables)`)
	tick := flag.Duration("tick", 0, "Control loop interval (overrides config)")
	printState := flag.Bool("print-state", false, "Print current sensor readings and exit")

	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("fatal: %v", err)
		}
		cfg = c
	}
	if *link != "" {
		cfg.Node.Link = *link
	}
	if *storePath != "" {
		cfg.Store = *storePath
	}
	if *httpAddr == "off" {
		cfg.HTTP = ""
	} else if *httpAddr != "" {
		cfg.HTTP = *httpAddr
	}
	if *tick > 0 {
		cfg.Node.Tick = config.Duration(*tick)
	}

	if err := run(cfg, *printState); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func pinsFrom(c config.PinsConfig) gpio.Pins {
	return gpio.Pins{
		Flow:       c.Flow,
		ValveOpen:  c.ValveOpen,
		ValveClose: c.ValveClose,
		Buzzer:     c.Buzzer,
		Tilt:       c.Tilt,
		Trigger:    c.Trigger,
		Echo:       c.Echo,
	}
}

func run(cfg *config.Config, printState bool) error {
	nc := cfg.Node
	pins := pinsFrom(nc.Pins)

	sensors, err := gpio.NewRealSensors(pins, gpio.ADC{RawPath: nc.ADC.Path, VoltsPerCount: nc.ADC.VoltsPerCount})
	if err != nil {
		return fmt.Errorf("init sensors: %w", err)
	}
	defer sensors.Close()

	if printState {
		s, err := sensors.Read()
		if err != nil {
			return fmt.Errorf("read sensors: %w", err)
		}
		fmt.Printf("distance: %.1f cm, tilted: %v, voltage: %.2f V\n", s.DistanceCM, s.Tilted, s.Voltage)
		return nil
	}

	kv, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	settings := store.NewSettings(kv)
	calibration, usedDefault, err := settings.Calibration()
	if err != nil {
		log.Printf("store: calibration: %v", err)
	}
	if usedDefault {
		log.Printf("store: no valid calibration stored, using %.2f", calibration)
	}
	tolerance, usedDefault, err := settings.DoorTolerance()
	if err != nil {
		log.Printf("store: door tolerance: %v", err)
	}
	if usedDefault {
		log.Printf("store: no valid door tolerance stored, using %.1f cm", tolerance)
	}

	outputs, err := gpio.NewRealOutputs(pins)
	if err != nil {
		return fmt.Errorf("init outputs: %w", err)
	}
	act := actuator.New(outputs, nc.Blink.D(), nc.ValvePulse.D())
	defer act.Close()

	pulses := &logic.PulseCounter{}
	watcher, err := gpio.NewPulseWatcher(pins.Flow, pulses)
	if err != nil {
		return fmt.Errorf("init flow sensor: %w", err)
	}
	defer watcher.Close()

	linkFile, err := os.OpenFile(nc.Link, os.O_RDWR|syscall.O_NOCTTY, 0)
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

	tracker := status.NewTracker(time.Now(), status.Config{
		Role:     "node",
		TickMs:   nc.Tick.D().Milliseconds(),
		HTTPPort: cfg.HTTP,
		Link:     nc.Link,
	})
	if info := status.ReadNetworkInfo(); info != nil {
		tracker.SetNetwork(info)
	}

	if cfg.HTTP != "" {
		srv := web.New(cfg.HTTP, tracker, nil)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTP)
	}

	ctrl := logic.NewController(
		logic.NewDevice(calibration, tolerance),
		pulses,
		settings,
		logic.Config{AccountInterval: nc.AccountInterval.D(), TelemetryInterval: nc.TelemetryInterval.D()},
		time.Now(),
	)

	log.Printf("started: tick=%v link=%s calibration=%.2f door_tolerance=%.1f", nc.Tick.D(), nc.Link, calibration, tolerance)

	ticker := time.NewTicker(nc.Tick.D())
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	n := &node{
		sensors: sensors,
		ctrl:    ctrl,
		act:     act,
		link:    protocol.NewWriter(linkFile),
		tracker: tracker,
	}
	return runLoop(n, time.Now, ticker.C, frames, sigCh)
}

// openStore opens the settings database, or an in-memory store when no
// path is configured.
func openStore(path string) (store.KV, func() error, error) {
	if path == "" {
		log.Printf("store: no path configured, settings will not survive a restart")
		return store.NewMemory(), func() error { return nil }, nil
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return db, db.Close, nil
}

// sender writes messages to the gateway link.
type sender interface {
	Send(msg protocol.Message) error
}

// node is the state of the control loop.
type node struct {
	sensors gpio.Sensors
	ctrl    *logic.Controller
	act     *actuator.Actuator
	link    sender
	tracker *status.Tracker

	directive logic.ValveDirective
	alarm     logic.AlarmLevel
	sample    gpio.Sample

	telemetrySent   int
	commandsHandled int
	lastTag         logic.StatusTag
}

func runLoop(n *node, now func() time.Time, tick <-chan time.Time, frames <-chan []byte, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			return nil

		case <-tick:
			n.cycle(now())

		case frame, ok := <-frames:
			if !ok {
				log.Printf("link closed; running without gateway")
				frames = nil
				continue
			}
			n.handleFrame(now(), frame)
		}
		n.updateStatus()
	}
}

// cycle runs one control step.
func (n *node) cycle(t time.Time) {
	sample, err := n.sensors.Read()
	if err != nil {
		// Door and voltage are unknown: fail safe, keep the alarm.
		log.Printf("sensor read error: %v", err)
		n.apply(t, failSafe(n.ctrl.Device()), n.alarm)
		return
	}
	n.sample = sample

	cycle := n.ctrl.Step(logic.Reading{
		DistanceCM: sample.DistanceCM,
		Tilted:     sample.Tilted,
		Voltage:    sample.Voltage,
		Time:       t,
	})
	n.apply(t, cycle.Directive, cycle.Alarm)

	for _, tel := range cycle.Telemetry {
		if tel.Tag != logic.StatusNormal {
			log.Printf("event: %s (flow=%.2f L/min volume=%.3f L voltage=%.2f V)", tel.Tag, tel.FlowRate, tel.CumulativeVolume, tel.Voltage)
		}
		if err := n.link.Send(protocol.FromTelemetry(tel)); err != nil {
			log.Printf("link send error: %v", err)
			continue
		}
		n.telemetrySent++
		n.lastTag = tel.Tag
	}
}

// failSafe is the directive used when the sensors cannot be read.
func failSafe(dev *logic.Device) logic.ValveDirective {
	if dev.Account.Unlocked {
		return logic.ValveNeutral
	}
	return logic.ValveClosed
}

func (n *node) apply(t time.Time, d logic.ValveDirective, alarm logic.AlarmLevel) {
	if d != n.directive {
		log.Printf("valve: %s -> %s", n.directive, d)
	}
	n.directive, n.alarm = d, alarm
	if err := n.act.Apply(t, d, alarm); err != nil {
		log.Printf("actuator error: %v", err)
	}
}

func (n *node) handleFrame(t time.Time, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		log.Printf("link: dropped frame: %v", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.AccountUpdate:
		d, alarm := n.ctrl.ApplyAccount(m.Account())
		n.apply(t, d, alarm)

	case *protocol.Command:
		cmd := m.Logic()
		ack := n.ctrl.HandleCommand(cmd, n.act)
		log.Printf("command %d (%s): %s: %s", ack.CommandID, cmd.Kind, ack.Outcome, ack.Detail)
		n.commandsHandled++
		if err := n.link.Send(protocol.FromAck(ack)); err != nil {
			log.Printf("link send error: %v", err)
		}

	default:
		log.Printf("link: unexpected %s frame from gateway", msg.Kind())
	}
}

func (n *node) updateStatus() {
	if n.tracker == nil {
		return
	}
	dev := n.ctrl.Device()
	n.tracker.UpdateMeter(status.Meter{
		FlowRate:         dev.Flow.FlowRate,
		CumulativeVolume: dev.Flow.CumulativeVolume,
		Voltage:          dev.Voltage,
		DistanceCM:       n.sample.DistanceCM,
		DoorOpen:         dev.DoorOpen,
		Tilted:           dev.Tilted,
		Balance:          dev.Account.Balance,
		TariffPerVolume:  dev.Account.TariffPerVolume,
		Unlocked:         dev.Account.Unlocked,
		Valve:            n.act.State().String(),
		Alarm:            n.alarm.String(),
		Calibration:      dev.Flow.PulsesPerUnit,
		DoorTolerance:    dev.DoorTolerance,
		TelemetrySent:    n.telemetrySent,
		CommandsHandled:  n.commandsHandled,
		LastTag:          string(n.lastTag),
	})
}
