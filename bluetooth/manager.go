package bluetooth

import (
	"context"
	"fmt"
	"log"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/usenocturne/kbpair/utils"
	"github.com/usenocturne/kbpair/ws"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// busConn is the part of *dbus.Conn the manager and the agent use.
type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	AddMatchSignalContext(ctx context.Context, options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

type BluetoothManager struct {
	conn  busConn
	agent *Agent
	mu    sync.Mutex
	wsHub *ws.WebSocketHub
}

func NewBluetoothManager(wsHub *ws.WebSocketHub) (*BluetoothManager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	log.Println("Connected to system bus")

	owner, err := bluezOwner(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.Printf("Found bluez at %s", owner)

	manager := &BluetoothManager{
		conn:  conn,
		wsHub: wsHub,
	}

	agent, err := NewAgent(conn, manager)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	manager.agent = agent

	return manager, nil
}

func bluezOwner(conn *dbus.Conn) (string, error) {
	var owner string
	obj := conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	if err := obj.Call("org.freedesktop.DBus.GetNameOwner", 0, BLUEZ_BUS_NAME).Store(&owner); err != nil {
		return "", fmt.Errorf("org.bluez not found on system bus, is bluetooth.service running? %w", err)
	}
	return owner, nil
}

// Close unregisters the pairing agent and drops the bus connection.
func (m *BluetoothManager) Close() error {
	if m.agent != nil {
		if err := m.agent.Close(); err != nil {
			log.Printf("Failed to unregister agent: %v", err)
		}
	}
	return m.conn.Close()
}

func (m *BluetoothManager) broadcast(event utils.WebSocketEvent) {
	if m.wsHub != nil {
		m.wsHub.Broadcast(event)
	}
}

func (m *BluetoothManager) objects(ctx context.Context) (managedObjects, error) {
	objects := make(managedObjects)
	obj := m.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.CallWithContext(ctx, DBUS_OBJECT_MANAGER+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}
	return objects, nil
}

// pathsWithInterface returns, in path order, every object implementing iface.
func pathsWithInterface(objects managedObjects, iface string) []dbus.ObjectPath {
	var paths []dbus.ObjectPath
	for p, interfaces := range objects {
		if _, ok := interfaces[iface]; ok {
			paths = append(paths, p)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

func (m *BluetoothManager) setProp(ctx context.Context, p dbus.ObjectPath, iface, prop string, value interface{}) error {
	obj := m.conn.Object(BLUEZ_BUS_NAME, p)
	return obj.CallWithContext(ctx, DBUS_PROPERTIES_INTERFACE+".Set", 0, iface, prop, dbus.MakeVariant(value)).Err
}

func (m *BluetoothManager) adapters(ctx context.Context) ([]dbus.ObjectPath, managedObjects, error) {
	objects, err := m.objects(ctx)
	if err != nil {
		return nil, nil, err
	}
	return pathsWithInterface(objects, BLUEZ_ADAPTER_INTERFACE), objects, nil
}

// PowerOnAll powers every adapter that is not powered yet. A failure on one
// adapter is logged and the rest are still tried.
func (m *BluetoothManager) PowerOnAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	adapters, objects, err := m.adapters(ctx)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		log.Println("No bluetooth adapter found")
		return nil
	}

	for _, adapter := range adapters {
		log.Printf("Powering on %s", path.Base(string(adapter)))

		if powered, ok := objects[adapter][BLUEZ_ADAPTER_INTERFACE]["Powered"].Value().(bool); ok && powered {
			log.Println("Adapter already powered")
			continue
		}

		if err := m.setProp(ctx, adapter, BLUEZ_ADAPTER_INTERFACE, "Powered", true); err != nil {
			log.Printf("Failed to power on - %v", err)
			continue
		}
		log.Println("Powered on")
	}

	return nil
}

// Scan runs discovery on every adapter for timeout, or until ctx ends.
func (m *BluetoothManager) Scan(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(BLUEZ_BUS_NAME),
			dbus.WithMatchInterface(DBUS_OBJECT_MANAGER),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchInterface(DBUS_PROPERTIES_INTERFACE),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(BLUEZ_OBJECT_PATH),
			dbus.WithMatchArg(0, BLUEZ_DEVICE_INTERFACE),
		},
	}
	for _, match := range matches {
		if err := m.conn.AddMatchSignalContext(ctx, match...); err != nil {
			return fmt.Errorf("failed to add signal match: %w", err)
		}
		defer m.conn.RemoveMatchSignal(match...)
	}

	signals := make(chan *dbus.Signal, 16)
	m.conn.Signal(signals)
	defer m.conn.RemoveSignal(signals)

	adapters, _, err := m.adapters(ctx)
	if err != nil {
		return err
	}

	for _, adapter := range adapters {
		obj := m.conn.Object(BLUEZ_BUS_NAME, adapter)
		// Restart discovery in case another client left it running.
		_ = obj.CallWithContext(ctx, BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0).Err
		if err := obj.CallWithContext(ctx, BLUEZ_ADAPTER_INTERFACE+".StartDiscovery", 0).Err; err != nil {
			m.stopDiscovery(adapters)
			return fmt.Errorf("failed to start discovery on %s: %w", adapter, err)
		}
	}

	m.broadcast(utils.WebSocketEvent{
		Type: "bluetooth/scan/started",
		Payload: utils.ScanPayload{
			Adapters: len(adapters),
			Timeout:  timeout.Seconds(),
		},
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopDiscovery(adapters)
			return ctx.Err()
		case <-timer.C:
			m.stopDiscovery(adapters)
			m.broadcast(utils.WebSocketEvent{Type: "bluetooth/scan/finished"})
			return nil
		case signal := <-signals:
			m.handleScanSignal(signal)
		}
	}
}

func (m *BluetoothManager) stopDiscovery(adapters []dbus.ObjectPath) {
	for _, adapter := range adapters {
		obj := m.conn.Object(BLUEZ_BUS_NAME, adapter)
		if err := obj.Call(BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0).Err; err != nil {
			log.Printf("Failed to stop discovery on %s: %v", adapter, err)
		}
	}
}

func (m *BluetoothManager) handleScanSignal(signal *dbus.Signal) {
	switch signal.Name {
	case DBUS_INTERFACES_ADDED:
		if len(signal.Body) < 2 {
			return
		}
		objectPath, ok := signal.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		interfaces, ok := signal.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		props, ok := interfaces[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			return
		}

		address := stringProp(props, "Address")
		if address == "" {
			address = addressFromPath(objectPath)
		}
		log.Printf("Added new bt interfaces @ %s", objectPath)

		m.broadcast(utils.WebSocketEvent{
			Type: "bluetooth/discovered",
			Payload: utils.DeviceDiscoveredPayload{
				Address: address,
				Path:    string(objectPath),
			},
		})

	case DBUS_PROPERTIES_CHANGED:
		if len(signal.Body) < 2 {
			return
		}
		changes, ok := signal.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		log.Printf("Property changed for device @ %s. Change: %v", signal.Path, changes)
	}
}

// GetDevices returns the devices BlueZ saw during the last scan that have
// the given class (ClassAny matches all) and whose Device1 properties equal
// every entry of filters, for example {"Paired": false}.
func (m *BluetoothManager) GetDevices(ctx context.Context, class uint32, filters map[string]interface{}) ([]*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	objects, err := m.objects(ctx)
	if err != nil {
		return nil, err
	}

	var devices []*Device
	for _, p := range pathsWithInterface(objects, BLUEZ_DEVICE_INTERFACE) {
		props := objects[p][BLUEZ_DEVICE_INTERFACE]
		if !matchDevice(p, props, class, filters) {
			continue
		}
		devices = append(devices, newDevice(m, p, props))
	}

	return devices, nil
}
