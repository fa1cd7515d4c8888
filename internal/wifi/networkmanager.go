package wifi

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	nmDest        = "org.freedesktop.NetworkManager"
	nmPath        = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface       = "org.freedesktop.NetworkManager"
	nmDeviceIface = "org.freedesktop.NetworkManager.Device"

	nmSettingsPath  = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")
	nmSettingsIface = "org.freedesktop.NetworkManager.Settings"
	nmConnIface     = "org.freedesktop.NetworkManager.Settings.Connection"

	// NM_DEVICE_STATE_ACTIVATED
	deviceActivated = uint32(100)

	uplinkID = "water-meter-uplink"
	apID     = "water-meter-setup"
)

// busCall invokes method on the NetworkManager object at path.
type busCall func(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call

// NetworkManager drives a wireless interface through NetworkManager on the
// system bus. Each role (uplink, access point) owns one saved profile with
// a fixed UUID that is updated in place on every activation.
type NetworkManager struct {
	conn   *dbus.Conn
	call   busCall
	device dbus.ObjectPath

	mu     sync.Mutex
	active map[string]dbus.ObjectPath // connection id -> active connection
}

// NewNetworkManager connects to the system bus and resolves iface.
func NewNetworkManager(iface string) (*NetworkManager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	var device dbus.ObjectPath
	if err := conn.Object(nmDest, nmPath).Call(nmIface+".GetDeviceByIpIface", 0, iface).Store(&device); err != nil {
		return nil, fmt.Errorf("find device %s: %w", iface, err)
	}

	n := newNetworkManager(func(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call {
		return conn.Object(nmDest, path).CallWithContext(ctx, method, 0, args...)
	}, device)
	n.conn = conn
	return n, nil
}

func newNetworkManager(call busCall, device dbus.ObjectPath) *NetworkManager {
	return &NetworkManager{
		call:   call,
		device: device,
		active: make(map[string]dbus.ObjectPath),
	}
}

// profileUUID is the stable UUID of the saved profile for a role.
func profileUUID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("water-meter/"+id)).String()
}

type settings map[string]map[string]dbus.Variant

func uplinkSettings(creds Credentials) settings {
	s := settings{
		"connection": {
			"id":   dbus.MakeVariant(uplinkID),
			"type": dbus.MakeVariant("802-11-wireless"),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(creds.SSID)),
			"mode": dbus.MakeVariant("infrastructure"),
		},
		"ipv4": {"method": dbus.MakeVariant("auto")},
	}
	if creds.Password != "" {
		s["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(creds.Password),
		}
	}
	return s
}

func apSettings(ssid, password string) settings {
	s := settings{
		"connection": {
			"id":   dbus.MakeVariant(apID),
			"type": dbus.MakeVariant("802-11-wireless"),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant("ap"),
		},
		"ipv4": {"method": dbus.MakeVariant("shared")},
	}
	if password != "" {
		s["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(password),
		}
	}
	return s
}

func (n *NetworkManager) activate(ctx context.Context, id string, s settings) error {
	for _, prev := range []string{uplinkID, apID} {
		if err := n.deactivate(ctx, prev); err != nil {
			log.Printf("wifi: %v", err)
		}
	}

	uid := profileUUID(id)
	s["connection"]["uuid"] = dbus.MakeVariant(uid)
	wire := map[string]map[string]dbus.Variant(s)

	var conn, active dbus.ObjectPath
	if err := n.call(ctx, nmSettingsPath, nmSettingsIface+".GetConnectionByUuid", uid).Store(&conn); err == nil {
		if err := n.call(ctx, conn, nmConnIface+".Update", wire).Err; err != nil {
			return fmt.Errorf("update %s: %w", id, err)
		}
		if err := n.call(ctx, nmPath, nmIface+".ActivateConnection", conn, n.device, dbus.ObjectPath("/")).Store(&active); err != nil {
			return fmt.Errorf("activate %s: %w", id, err)
		}
	} else {
		// No saved profile yet.
		call := n.call(ctx, nmPath, nmIface+".AddAndActivateConnection", wire, n.device, dbus.ObjectPath("/"))
		if err := call.Store(&conn, &active); err != nil {
			return fmt.Errorf("add %s: %w", id, err)
		}
	}

	n.mu.Lock()
	n.active[id] = active
	n.mu.Unlock()
	return nil
}

func (n *NetworkManager) deactivate(ctx context.Context, id string) error {
	n.mu.Lock()
	active, ok := n.active[id]
	delete(n.active, id)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	if err := n.call(ctx, nmPath, nmIface+".DeactivateConnection", active).Err; err != nil {
		return fmt.Errorf("deactivate %s: %w", id, err)
	}
	return nil
}

func (n *NetworkManager) Join(ctx context.Context, creds Credentials) error {
	if !creds.Valid() {
		return ErrInvalidCredentials
	}
	return n.activate(ctx, uplinkID, uplinkSettings(creds))
}

func (n *NetworkManager) Connected(ctx context.Context) (bool, error) {
	var v dbus.Variant
	err := n.call(ctx, n.device, "org.freedesktop.DBus.Properties.Get", nmDeviceIface, "State").Store(&v)
	if err != nil {
		return false, fmt.Errorf("device state: %w", err)
	}
	state, ok := v.Value().(uint32)
	if !ok {
		return false, fmt.Errorf("device state: unexpected type %s", v.Signature())
	}
	n.mu.Lock()
	_, uplink := n.active[uplinkID]
	n.mu.Unlock()
	return uplink && state == deviceActivated, nil
}

func (n *NetworkManager) StartAccessPoint(ctx context.Context, ssid, password string) error {
	return n.activate(ctx, apID, apSettings(ssid, password))
}

func (n *NetworkManager) StopAccessPoint(ctx context.Context) error {
	return n.deactivate(ctx, apID)
}

// Close releases the bus connection. Active connections stay up.
func (n *NetworkManager) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

var _ Manager = (*NetworkManager)(nil)
var _ Manager = (*Fake)(nil)
