package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"reflect"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/usenocturne/kbpair/utils"
)

// Device is a snapshot of an org.bluez.Device1 object taken by GetDevices.
type Device struct {
	manager *BluetoothManager

	Path      dbus.ObjectPath
	Adapter   dbus.ObjectPath
	Address   string
	Name      string
	Alias     string
	Icon      string
	Class     uint32
	Paired    bool
	Trusted   bool
	Connected bool

	rssi *int16
}

func newDevice(manager *BluetoothManager, p dbus.ObjectPath, props map[string]dbus.Variant) *Device {
	d := &Device{
		manager: manager,
		Path:    p,
		Address: stringProp(props, "Address"),
		Name:    stringProp(props, "Name"),
		Alias:   stringProp(props, "Alias"),
		Icon:    stringProp(props, "Icon"),
	}

	if d.Address == "" {
		d.Address = addressFromPath(p)
	}
	if v, ok := props["Adapter"].Value().(dbus.ObjectPath); ok {
		d.Adapter = v
	} else {
		d.Adapter = dbus.ObjectPath(path.Dir(string(p)))
	}
	if v, ok := props["Class"].Value().(uint32); ok {
		d.Class = v
	}
	if v, ok := props["Paired"].Value().(bool); ok {
		d.Paired = v
	}
	if v, ok := props["Trusted"].Value().(bool); ok {
		d.Trusted = v
	}
	if v, ok := props["Connected"].Value().(bool); ok {
		d.Connected = v
	}
	if v, ok := props["RSSI"].Value().(int16); ok {
		d.rssi = &v
	}

	return d
}

func stringProp(props map[string]dbus.Variant, name string) string {
	s, _ := props[name].Value().(string)
	return s
}

// addressFromPath converts "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF" to
// "AA:BB:CC:DD:EE:FF".
func addressFromPath(p dbus.ObjectPath) string {
	base := path.Base(string(p))
	if !strings.HasPrefix(base, "dev_") {
		return ""
	}
	return strings.ReplaceAll(strings.TrimPrefix(base, "dev_"), "_", ":")
}

// matchDevice reports whether a device's properties satisfy the class and
// property filters. A property that is absent rejects the device.
func matchDevice(p dbus.ObjectPath, props map[string]dbus.Variant, class uint32, filters map[string]interface{}) bool {
	if class != ClassAny {
		v, ok := props["Class"]
		if !ok {
			log.Printf("Property Class not found on device %s", p)
			return false
		}
		if c, _ := v.Value().(uint32); c != class {
			return false
		}
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, ok := props[k]
		if !ok {
			log.Printf("Property %s not found on device %s", k, p)
			return false
		}
		if !reflect.DeepEqual(v.Value(), filters[k]) {
			return false
		}
	}

	return true
}

func (d *Device) String() string {
	label := d.Alias
	if label == "" {
		label = d.Name
	}
	if label == "" {
		return d.Address
	}
	return fmt.Sprintf("%s (%s)", label, d.Address)
}

// RSSI returns the signal strength BlueZ last reported. ok is false when
// the device was not seen by the last inquiry.
func (d *Device) RSSI() (rssi int16, ok bool) {
	if d.rssi == nil {
		return 0, false
	}
	return *d.rssi, true
}

func (d *Device) Info() utils.BluetoothDeviceInfo {
	return utils.BluetoothDeviceInfo{
		Address:   d.Address,
		Name:      d.Name,
		Alias:     d.Alias,
		Class:     fmt.Sprintf("%d", d.Class),
		Icon:      d.Icon,
		Paired:    d.Paired,
		Trusted:   d.Trusted,
		Connected: d.Connected,
		RSSI:      d.rssi,
	}
}

// Pair blocks until BlueZ finishes pairing. Errors reported by BlueZ come
// back as *PairError. Once paired, the device is trusted and connected;
// failures there are only logged.
func (d *Device) Pair(ctx context.Context) error {
	m := d.manager
	obj := m.conn.Object(BLUEZ_BUS_NAME, d.Path)

	log.Printf("Pairing with %s", d.Path)
	if err := obj.CallWithContext(ctx, BLUEZ_DEVICE_INTERFACE+".Pair", 0).Err; err != nil {
		err = classifyPairError(d, err)

		var pairErr *PairError
		if errors.As(err, &pairErr) {
			log.Printf("Pairing of %s device failed. %s", d.Path, pairErr.Detail)
			m.broadcast(utils.WebSocketEvent{
				Type: "bluetooth/pairing/failed",
				Payload: utils.PairingFailedPayload{
					Address: d.Address,
					Error:   pairErr.Detail,
				},
			})
		}
		return err
	}
	log.Printf("%s successfully paired", d.Path)

	if err := m.setProp(ctx, d.Path, BLUEZ_DEVICE_INTERFACE, "Trusted", true); err != nil {
		log.Printf("Failed to set device as trusted - %v", err)
	}
	if err := obj.CallWithContext(ctx, BLUEZ_DEVICE_INTERFACE+".Connect", 0).Err; err != nil {
		log.Printf("Failed to connect - %v", err)
	}

	info := d.Info()
	info.Paired = true
	info.Trusted = true
	m.broadcast(utils.WebSocketEvent{
		Type: "bluetooth/paired",
		Payload: utils.DevicePairedPayload{
			Device: &info,
		},
	})

	return nil
}

// classifyPairError turns org.bluez.Error.* replies into *PairError.
func classifyPairError(d *Device, err error) error {
	dbusErr, ok := asDBusError(err)
	if !ok || !strings.HasPrefix(dbusErr.Name, BLUEZ_ERROR_PREFIX) {
		return err
	}
	return &PairError{
		Address: d.Address,
		Name:    dbusErr.Name,
		Detail:  dbusErr.Error(),
	}
}

func asDBusError(err error) (dbus.Error, bool) {
	var value dbus.Error
	if errors.As(err, &value) {
		return value, true
	}
	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return dbus.Error{}, false
}
