// Package wifi joins the uplink network and runs the provisioning access
// point.
package wifi

import (
	"context"
	"errors"
	"sync"
)

// Credentials identify the uplink network.
type Credentials struct {
	SSID     string
	Password string
}

// Valid reports whether the credentials can be tried at all.
func (c Credentials) Valid() bool {
	return c.SSID != "" && len(c.SSID) <= 32 && (c.Password == "" || len(c.Password) >= 8)
}

// Manager controls the wireless interface.
type Manager interface {
	// Join starts activating the uplink with the given credentials. It does
	// not wait for the link to come up.
	Join(ctx context.Context, creds Credentials) error

	// Connected reports whether the uplink is active.
	Connected(ctx context.Context) (bool, error)

	// StartAccessPoint brings up the provisioning access point.
	StartAccessPoint(ctx context.Context, ssid, password string) error

	// StopAccessPoint tears the access point down.
	StopAccessPoint(ctx context.Context) error

	Close() error
}

// ErrInvalidCredentials is returned for an empty or malformed SSID/password.
var ErrInvalidCredentials = errors.New("wifi: invalid credentials")

// Fake is a Manager for tests. The link comes up after UpAfter calls to
// Connected following a successful Join.
type Fake struct {
	mu sync.Mutex

	UpAfter  int
	JoinErr  error
	Accepted func(Credentials) bool // nil accepts everything

	Joins     []Credentials
	APActive  bool
	APStarts  int
	APStops   int
	connected bool
	checks    int
	joined    bool
	ok        bool
	down      bool
}

// NewFake creates a fake whose link comes up on the first check.
func NewFake() *Fake {
	return &Fake{UpAfter: 1}
}

func (f *Fake) Join(ctx context.Context, creds Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Joins = append(f.Joins, creds)
	if f.JoinErr != nil {
		return f.JoinErr
	}
	f.joined = true
	f.checks = 0
	f.connected = false
	f.ok = f.Accepted == nil || f.Accepted(creds)
	return nil
}

func (f *Fake) Connected(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, nil
	}
	if f.joined && f.ok && !f.connected {
		f.checks++
		if f.checks >= f.UpAfter {
			f.connected = true
		}
	}
	return f.connected, nil
}

func (f *Fake) StartAccessPoint(ctx context.Context, ssid, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.APActive = true
	f.APStarts++
	f.joined = false
	f.connected = false
	return nil
}

func (f *Fake) StopAccessPoint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.APActive = false
	f.APStops++
	return nil
}

func (f *Fake) Close() error { return nil }

// Drop simulates losing the uplink. It stays down until Restore.
func (f *Fake) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = true
	f.connected = false
	f.checks = 0
}

// Restore brings a dropped uplink back.
func (f *Fake) Restore() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = false
	f.connected = f.joined && f.ok
}

// AccessPoint reports whether the access point is up.
func (f *Fake) AccessPoint() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.APActive
}
