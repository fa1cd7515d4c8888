package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/sweeney/water-meter/internal/backend"
	"github.com/sweeney/water-meter/internal/protocol"
	"github.com/sweeney/water-meter/internal/store"
	"github.com/sweeney/water-meter/internal/wifi"
)

// ErrNotProvisionable is returned for a provisioning request outside the
// Provisioning and ConnectedUnregistered states.
var ErrNotProvisionable = errors.New("gateway: not accepting provisioning requests")

type provisionRequest struct {
	token string
	creds wifi.Credentials
	reply chan error
}

// Provision asks the relay loop to join the given network and register
// with token. It blocks until the loop has finished the attempt.
func (r *Relay) Provision(ctx context.Context, token string, creds wifi.Credentials) error {
	if token == "" {
		return errors.New("gateway: provisioning token required")
	}
	if !creds.Valid() {
		return wifi.ErrInvalidCredentials
	}

	req := provisionRequest{token: token, creds: creds, reply: make(chan error, 1)}
	select {
	case r.provisions <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) provision(ctx context.Context, now time.Time, token string, creds wifi.Credentials) error {
	from := r.State()
	if from != StateProvisioning && from != StateConnectedUnregistered {
		return fmt.Errorf("%w (state %s)", ErrNotProvisionable, from)
	}
	log.Printf("gateway: provisioning on %q", creds.SSID)

	if err := r.joinAndWait(ctx, now, creds); err != nil {
		r.restore(ctx, now, from)
		r.recordError(now, err)
		return err
	}

	if err := r.register(ctx, now, token); err != nil {
		r.restore(ctx, now, from)
		return fmt.Errorf("register: %w", err)
	}

	if err := r.kv.Set(store.KeyWiFiSSID, creds.SSID); err != nil {
		return fmt.Errorf("persist ssid: %w", err)
	}
	if err := r.kv.Set(store.KeyWiFiPassword, creds.Password); err != nil {
		return fmt.Errorf("persist password: %w", err)
	}
	r.creds = creds
	r.provToken = token
	r.joined = true
	r.update(func(s *Snapshot) { s.SSID = creds.SSID })

	r.enterConnected(now)
	return nil
}

// joinAndWait joins creds and waits up to ConnectAttempts checks for the
// link to come up.
func (r *Relay) joinAndWait(ctx context.Context, now time.Time, creds wifi.Credentials) error {
	r.stopAccessPoint(ctx, now)
	if err := r.wifi.Join(ctx, creds); err != nil {
		return fmt.Errorf("join %q: %w", creds.SSID, err)
	}
	for i := 0; i < r.cfg.ConnectAttempts; i++ {
		up, err := r.wifi.Connected(ctx)
		if err == nil && up {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.sleep(r.cfg.ConnectRetry)
	}
	return fmt.Errorf("join %q: no link after %d attempts", creds.SSID, r.cfg.ConnectAttempts)
}

// restore returns to the state held before a failed provisioning attempt.
func (r *Relay) restore(ctx context.Context, now time.Time, from State) {
	if from == StateConnectedUnregistered && r.creds.SSID != "" {
		r.enterConnecting(ctx, now)
		return
	}
	r.enterProvisioning(ctx, now)
}

// ForwardCommand converts a backend command to its link form. Parameters
// are only forwarded for config updates.
func ForwardCommand(c backend.Command) *protocol.Command {
	out := &protocol.Command{
		CommandType:        c.Type,
		CommandID:          c.ID,
		CurrentValveStatus: c.CurrentValveStatus,
	}
	if c.Type != "config_update" && c.Type != "arduino_config_update" {
		return out
	}

	cfg := &protocol.ConfigData{
		CalibrationFactor: param(c.Parameters, "calibration_factor", "k_factor"),
		DoorTolerance:     param(c.Parameters, "door_tolerance", "jarak_toleransi"),
	}
	if cfg.CalibrationFactor != nil || cfg.DoorTolerance != nil {
		out.ConfigData = cfg
	}
	return out
}

// param returns the first key present that holds a number or numeric string.
func param(params map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		v, ok := params[k]
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok {
			return &f
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
