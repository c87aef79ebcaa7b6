package bluetooth

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenocturne/kbpair/ws"
)

type busCall struct {
	path   dbus.ObjectPath
	method string
	args   []interface{}
}

// fakeBus stands in for the system bus. Method calls are recorded and
// answered from objects; errs holds failures keyed by "<path> <Method>".
type fakeBus struct {
	objects   managedObjects
	errs      map[string]error
	calls     []busCall
	exported  []interface{}
	exportErr error
	matches   int
	signals   chan<- *dbus.Signal
	closed    bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		objects: managedObjects{},
		errs:    map[string]error{},
	}
}

func (b *fakeBus) fail(p dbus.ObjectPath, method string, err error) {
	b.errs[string(p)+" "+method] = err
}

func (b *fakeBus) addAdapter(p dbus.ObjectPath, powered bool) {
	b.objects[p] = map[string]map[string]dbus.Variant{
		BLUEZ_ADAPTER_INTERFACE: {"Powered": dbus.MakeVariant(powered)},
	}
}

func (b *fakeBus) addDevice(p dbus.ObjectPath, props map[string]dbus.Variant) {
	b.objects[p] = map[string]map[string]dbus.Variant{BLUEZ_DEVICE_INTERFACE: props}
}

// trace lists the calls made other than object enumeration, as
// "<path> <Method>", with the property name appended for Set.
func (b *fakeBus) trace() []string {
	var out []string
	for _, c := range b.calls {
		name := shortMethod(c.method)
		if name == "GetManagedObjects" {
			continue
		}
		entry := string(c.path) + " " + name
		if name == "Set" {
			entry += " " + c.args[1].(string)
		}
		out = append(out, entry)
	}
	return out
}

func shortMethod(method string) string {
	return method[strings.LastIndex(method, ".")+1:]
}

func (b *fakeBus) Object(dest string, p dbus.ObjectPath) dbus.BusObject {
	return &fakeObject{bus: b, path: p}
}

func (b *fakeBus) Export(v interface{}, p dbus.ObjectPath, iface string) error {
	b.exported = append(b.exported, v)
	return b.exportErr
}

func (b *fakeBus) AddMatchSignalContext(ctx context.Context, options ...dbus.MatchOption) error {
	b.matches++
	return nil
}

func (b *fakeBus) RemoveMatchSignal(options ...dbus.MatchOption) error {
	b.matches--
	return nil
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.signals = ch
}

func (b *fakeBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.signals = nil
}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

type fakeObject struct {
	dbus.BusObject
	bus  *fakeBus
	path dbus.ObjectPath
}

func (o *fakeObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.CallWithContext(context.Background(), method, flags, args...)
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	o.bus.calls = append(o.bus.calls, busCall{path: o.path, method: method, args: args})

	call := &dbus.Call{Path: o.path, Method: method, Args: args}
	if err, ok := o.bus.errs[string(o.path)+" "+shortMethod(method)]; ok {
		call.Err = err
		return call
	}
	if shortMethod(method) == "GetManagedObjects" {
		call.Body = []interface{}{o.bus.objects}
	}
	return call
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestPowerOnAll(t *testing.T) {
	setFailed := errors.New("org.bluez.Error.Failed")

	tests := []struct {
		name     string
		adapters map[dbus.ObjectPath]bool
		failSet  dbus.ObjectPath
		want     []string
		logged   string
	}{
		{
			name:     "already powered",
			adapters: map[dbus.ObjectPath]bool{"/org/bluez/hci0": true},
			logged:   "Adapter already powered",
		},
		{
			name:     "unpowered",
			adapters: map[dbus.ObjectPath]bool{"/org/bluez/hci0": false},
			want:     []string{"/org/bluez/hci0 Set Powered"},
			logged:   "Powered on",
		},
		{
			name:     "mixed",
			adapters: map[dbus.ObjectPath]bool{"/org/bluez/hci0": true, "/org/bluez/hci1": false},
			want:     []string{"/org/bluez/hci1 Set Powered"},
		},
		{
			name:     "set failure keeps going",
			adapters: map[dbus.ObjectPath]bool{"/org/bluez/hci0": false, "/org/bluez/hci1": false},
			failSet:  "/org/bluez/hci0",
			want:     []string{"/org/bluez/hci0 Set Powered", "/org/bluez/hci1 Set Powered"},
			logged:   "Failed to power on - org.bluez.Error.Failed",
		},
		{
			name:   "no adapters",
			logged: "No bluetooth adapter found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := captureLog(t)
			bus := newFakeBus()
			for p, powered := range tt.adapters {
				bus.addAdapter(p, powered)
			}
			bus.addDevice("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", keyboardProps(false))
			if tt.failSet != "" {
				bus.fail(tt.failSet, "Set", setFailed)
			}

			m := &BluetoothManager{conn: bus}
			require.NoError(t, m.PowerOnAll(context.Background()))
			assert.Equal(t, tt.want, bus.trace())
			assert.Contains(t, logs.String(), tt.logged)
		})
	}
}

func TestPowerOnAllSetsPoweredTrue(t *testing.T) {
	bus := newFakeBus()
	bus.addAdapter("/org/bluez/hci0", false)

	m := &BluetoothManager{conn: bus}
	require.NoError(t, m.PowerOnAll(context.Background()))

	require.Len(t, bus.calls, 2)
	set := bus.calls[1]
	assert.Equal(t, DBUS_PROPERTIES_INTERFACE+".Set", set.method)
	assert.Equal(t, []interface{}{BLUEZ_ADAPTER_INTERFACE, "Powered", dbus.MakeVariant(true)}, set.args)
}

func TestPowerOnAllEnumerationError(t *testing.T) {
	boom := errors.New("org.freedesktop.DBus.Error.ServiceUnknown")
	bus := newFakeBus()
	bus.fail("/", "GetManagedObjects", boom)

	m := &BluetoothManager{conn: bus}
	err := m.PowerOnAll(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to get managed objects")
}

func TestScan(t *testing.T) {
	logs := captureLog(t)
	bus := newFakeBus()
	bus.addAdapter("/org/bluez/hci0", true)
	bus.addAdapter("/org/bluez/hci1", true)
	bus.fail("/org/bluez/hci0", "StopDiscovery", errors.New("org.bluez.Error.Failed: No discovery started"))

	m := &BluetoothManager{conn: bus, wsHub: ws.NewWebSocketHub("test")}
	require.NoError(t, m.Scan(context.Background(), 10*time.Millisecond))

	assert.Equal(t, []string{
		"/org/bluez/hci0 StopDiscovery",
		"/org/bluez/hci0 StartDiscovery",
		"/org/bluez/hci1 StopDiscovery",
		"/org/bluez/hci1 StartDiscovery",
		"/org/bluez/hci0 StopDiscovery",
		"/org/bluez/hci1 StopDiscovery",
	}, bus.trace())
	assert.Equal(t, 0, bus.matches)
	assert.Nil(t, bus.signals)
	assert.Contains(t, logs.String(), "Failed to stop discovery on /org/bluez/hci0")
}

func TestScanStartFailure(t *testing.T) {
	boom := errors.New("org.bluez.Error.NotReady")
	bus := newFakeBus()
	bus.addAdapter("/org/bluez/hci0", true)
	bus.addAdapter("/org/bluez/hci1", true)
	bus.fail("/org/bluez/hci1", "StartDiscovery", boom)

	m := &BluetoothManager{conn: bus}
	err := m.Scan(context.Background(), time.Hour)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to start discovery on /org/bluez/hci1")

	trace := bus.trace()
	require.Len(t, trace, 6)
	assert.Equal(t, []string{"/org/bluez/hci0 StopDiscovery", "/org/bluez/hci1 StopDiscovery"}, trace[4:])
	assert.Equal(t, 0, bus.matches)
}

func TestScanCancelled(t *testing.T) {
	bus := newFakeBus()
	bus.addAdapter("/org/bluez/hci0", true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &BluetoothManager{conn: bus}
	err := m.Scan(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{
		"/org/bluez/hci0 StopDiscovery",
		"/org/bluez/hci0 StartDiscovery",
		"/org/bluez/hci0 StopDiscovery",
	}, bus.trace())
}

func TestGetDevices(t *testing.T) {
	bus := newFakeBus()
	bus.addAdapter("/org/bluez/hci0", true)

	mouse := keyboardProps(false)
	mouse["Class"] = dbus.MakeVariant(uint32(0x2580))
	unknownPairing := keyboardProps(false)
	delete(unknownPairing, "Paired")

	bus.addDevice("/org/bluez/hci0/dev_44_44_44_44_44_44", unknownPairing)
	bus.addDevice("/org/bluez/hci0/dev_33_33_33_33_33_33", mouse)
	bus.addDevice("/org/bluez/hci0/dev_22_22_22_22_22_22", keyboardProps(true))
	bus.addDevice("/org/bluez/hci0/dev_11_11_11_11_11_11", keyboardProps(false))

	m := &BluetoothManager{conn: bus}

	devices, err := m.GetDevices(context.Background(), ClassKeyboard, map[string]interface{}{"Paired": false})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_11_11_11_11_11_11"), devices[0].Path)
	assert.Same(t, m, devices[0].manager)

	all, err := m.GetDevices(context.Background(), ClassAny, nil)
	require.NoError(t, err)
	var paths []dbus.ObjectPath
	for _, d := range all {
		paths = append(paths, d.Path)
	}
	assert.Equal(t, []dbus.ObjectPath{
		"/org/bluez/hci0/dev_11_11_11_11_11_11",
		"/org/bluez/hci0/dev_22_22_22_22_22_22",
		"/org/bluez/hci0/dev_33_33_33_33_33_33",
		"/org/bluez/hci0/dev_44_44_44_44_44_44",
	}, paths)

	boom := errors.New("connection closed")
	bus.fail("/", "GetManagedObjects", boom)
	_, err = m.GetDevices(context.Background(), ClassKeyboard, nil)
	assert.ErrorIs(t, err, boom)
}

func TestDevicePair(t *testing.T) {
	const dev = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	busErr := errors.New("connection closed")

	tests := []struct {
		name    string
		fail    map[string]error
		want    []string
		detail  string
		wantErr error
	}{
		{
			name: "paired",
			want: []string{string(dev) + " Pair", string(dev) + " Set Trusted", string(dev) + " Connect"},
		},
		{
			name: "trust and connect failures are logged only",
			fail: map[string]error{
				"Set":     errors.New("org.bluez.Error.Failed"),
				"Connect": dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"Protocol not available"}},
			},
			want: []string{string(dev) + " Pair", string(dev) + " Set Trusted", string(dev) + " Connect"},
		},
		{
			name: "bluez rejects pairing",
			fail: map[string]error{
				"Pair": dbus.Error{Name: "org.bluez.Error.AuthenticationTimeout", Body: []interface{}{"Authentication Timeout"}},
			},
			want:   []string{string(dev) + " Pair"},
			detail: "Authentication Timeout",
		},
		{
			name:    "bus failure",
			fail:    map[string]error{"Pair": busErr},
			want:    []string{string(dev) + " Pair"},
			wantErr: busErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newFakeBus()
			for method, err := range tt.fail {
				bus.fail(dev, method, err)
			}
			m := &BluetoothManager{conn: bus, wsHub: ws.NewWebSocketHub("test")}
			d := newDevice(m, dev, keyboardProps(false))

			err := d.Pair(context.Background())
			assert.Equal(t, tt.want, bus.trace())

			var pairErr *PairError
			switch {
			case tt.detail != "":
				require.True(t, errors.As(err, &pairErr))
				assert.Equal(t, tt.detail, pairErr.Detail)
				assert.Equal(t, "AA:BB:CC:DD:EE:FF", pairErr.Address)
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, errors.As(err, &pairErr))
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewAgent(t *testing.T) {
	bus := newFakeBus()
	m := &BluetoothManager{conn: bus}

	a, err := NewAgent(bus, m)
	require.NoError(t, err)
	assert.Len(t, bus.exported, 2)
	assert.Same(t, a, bus.exported[0])

	require.Len(t, bus.calls, 2)
	assert.Equal(t, BLUEZ_AGENT_MANAGER+".RegisterAgent", bus.calls[0].method)
	assert.Equal(t, []interface{}{dbus.ObjectPath(BLUEZ_AGENT_PATH), "KeyboardDisplay"}, bus.calls[0].args)
	assert.Equal(t, BLUEZ_AGENT_MANAGER+".RequestDefaultAgent", bus.calls[1].method)

	boom := errors.New("org.bluez.Error.AlreadyExists")
	bus = newFakeBus()
	bus.fail(BLUEZ_OBJECT_PATH, "RegisterAgent", boom)
	_, err = NewAgent(bus, m)
	assert.ErrorIs(t, err, boom)
}

func TestAgentClose(t *testing.T) {
	logs := captureLog(t)
	boom := errors.New("org.bluez.Error.DoesNotExist")
	bus := newFakeBus()
	bus.fail(BLUEZ_OBJECT_PATH, "UnregisterAgent", boom)
	bus.exportErr = errors.New("connection closed")

	a := &Agent{conn: bus, path: BLUEZ_AGENT_PATH}
	assert.ErrorIs(t, a.Close(), boom)
	assert.Equal(t, []interface{}{nil, nil}, bus.exported)
	assert.Contains(t, logs.String(), "Failed to unexport "+BLUEZ_AGENT_INTERFACE+": connection closed")
	assert.Contains(t, logs.String(), "Failed to unexport "+DBUS_INTROSPECTABLE+": connection closed")
}

func TestManagerClose(t *testing.T) {
	logs := captureLog(t)
	bus := newFakeBus()
	bus.fail(BLUEZ_OBJECT_PATH, "UnregisterAgent", errors.New("org.bluez.Error.DoesNotExist"))

	m := &BluetoothManager{conn: bus}
	m.agent = &Agent{conn: bus, manager: m, path: BLUEZ_AGENT_PATH}

	require.NoError(t, m.Close())
	assert.True(t, bus.closed)
	assert.Contains(t, logs.String(), "Failed to unregister agent")
}
