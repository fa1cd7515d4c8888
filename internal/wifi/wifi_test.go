package wifi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsValid(t *testing.T) {
	assert.True(t, Credentials{SSID: "home", Password: "hunter22"}.Valid())
	assert.True(t, Credentials{SSID: "open-net"}.Valid())
	assert.False(t, Credentials{Password: "hunter22"}.Valid())
	assert.False(t, Credentials{SSID: "home", Password: "short"}.Valid())
	assert.False(t, Credentials{SSID: strings.Repeat("s", 33)}.Valid())
}

func TestUplinkSettings(t *testing.T) {
	s := uplinkSettings(Credentials{SSID: "home", Password: "hunter22"})
	assert.Equal(t, dbus.MakeVariant([]byte("home")), s["802-11-wireless"]["ssid"])
	assert.Equal(t, dbus.MakeVariant("infrastructure"), s["802-11-wireless"]["mode"])
	assert.Equal(t, dbus.MakeVariant("hunter22"), s["802-11-wireless-security"]["psk"])

	open := uplinkSettings(Credentials{SSID: "cafe"})
	_, secured := open["802-11-wireless-security"]
	assert.False(t, secured)
}

func TestAPSettings(t *testing.T) {
	s := apSettings("Meter-Setup", "")
	assert.Equal(t, dbus.MakeVariant("ap"), s["802-11-wireless"]["mode"])
	assert.Equal(t, dbus.MakeVariant("shared"), s["ipv4"]["method"])
}

func TestFakeComesUpAfterChecks(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.UpAfter = 3

	up, _ := f.Connected(ctx)
	assert.False(t, up, "not joined yet")

	require.NoError(t, f.Join(ctx, Credentials{SSID: "home"}))
	for i := 0; i < 2; i++ {
		up, _ = f.Connected(ctx)
		assert.False(t, up)
	}
	up, _ = f.Connected(ctx)
	assert.True(t, up)

	f.Drop()
	up, _ = f.Connected(ctx)
	assert.False(t, up)
}

func TestFakeRejectsCredentials(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.Accepted = func(c Credentials) bool { return c.Password == "right-pass" }

	require.NoError(t, f.Join(ctx, Credentials{SSID: "home", Password: "wrong-pass"}))
	up, _ := f.Connected(ctx)
	assert.False(t, up)
}

// bus answers NetworkManager calls from an in-memory set of saved profiles.
type bus struct {
	profiles      map[string]dbus.ObjectPath // uuid -> settings path
	calls         []string
	updated       []dbus.ObjectPath
	deactivateErr error
}

func newBus() *bus {
	return &bus{profiles: make(map[string]dbus.ObjectPath)}
}

func (b *bus) call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call {
	b.calls = append(b.calls, method)
	switch method {
	case nmSettingsIface + ".GetConnectionByUuid":
		if p, ok := b.profiles[args[0].(string)]; ok {
			return &dbus.Call{Body: []any{p}}
		}
		return &dbus.Call{Err: errors.New("no connection with the UUID")}
	case nmIface + ".AddAndActivateConnection":
		s := args[0].(map[string]map[string]dbus.Variant)
		uid := s["connection"]["uuid"].Value().(string)
		if _, dup := b.profiles[uid]; dup {
			return &dbus.Call{Err: fmt.Errorf("connection %s already exists", uid)}
		}
		p := dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/NetworkManager/Settings/%d", len(b.profiles)+1))
		b.profiles[uid] = p
		return &dbus.Call{Body: []any{p, b.active()}}
	case nmConnIface + ".Update":
		b.updated = append(b.updated, path)
		return &dbus.Call{}
	case nmIface + ".ActivateConnection":
		return &dbus.Call{Body: []any{b.active()}}
	case nmIface + ".DeactivateConnection":
		return &dbus.Call{Err: b.deactivateErr}
	case "org.freedesktop.DBus.Properties.Get":
		return &dbus.Call{Body: []any{dbus.MakeVariant(deviceActivated)}}
	}
	return &dbus.Call{Err: fmt.Errorf("unexpected call %s", method)}
}

func (b *bus) active() dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/NetworkManager/ActiveConnection/%d", len(b.calls)))
}

func (b *bus) count(method string) int {
	n := 0
	for _, c := range b.calls {
		if c == method {
			n++
		}
	}
	return n
}

func TestNetworkManagerReusesProfiles(t *testing.T) {
	ctx := context.Background()
	b := newBus()
	n := newNetworkManager(b.call, "/org/freedesktop/NetworkManager/Devices/3")

	require.NoError(t, n.Join(ctx, Credentials{SSID: "home", Password: "hunter22"}))
	require.NoError(t, n.Join(ctx, Credentials{SSID: "home", Password: "hunter23"}))
	require.NoError(t, n.Join(ctx, Credentials{SSID: "cafe"}))
	require.NoError(t, n.StartAccessPoint(ctx, "Meter-Setup", ""))
	require.NoError(t, n.StartAccessPoint(ctx, "Meter-Setup", ""))

	assert.Len(t, b.profiles, 2)
	assert.Equal(t, 2, b.count(nmIface+".AddAndActivateConnection"))
	assert.Equal(t, 3, b.count(nmIface+".ActivateConnection"))
	assert.Len(t, b.updated, 3)
	assert.Contains(t, b.profiles, profileUUID(uplinkID))
	assert.Contains(t, b.profiles, profileUUID(apID))
}

func TestNetworkManagerJoinSurvivesDeactivateError(t *testing.T) {
	ctx := context.Background()
	b := newBus()
	b.deactivateErr = errors.New("not active")
	n := newNetworkManager(b.call, "/org/freedesktop/NetworkManager/Devices/3")

	require.NoError(t, n.StartAccessPoint(ctx, "Meter-Setup", ""))
	require.NoError(t, n.Join(ctx, Credentials{SSID: "home", Password: "hunter22"}))
	assert.Equal(t, 1, b.count(nmIface+".DeactivateConnection"))

	up, err := n.Connected(ctx)
	require.NoError(t, err)
	assert.True(t, up)

	require.NoError(t, n.StartAccessPoint(ctx, "Meter-Setup", ""))
	up, err = n.Connected(ctx)
	require.NoError(t, err)
	assert.False(t, up, "uplink replaced by the access point")
}
