package bluetooth

import (
	"fmt"
	"log"
	"math/rand/v2"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/usenocturne/kbpair/utils"
)

// Agent answers BlueZ pairing callbacks. Keyboards pair by having the user
// type a code on the keyboard itself, so the agent registers as
// KeyboardDisplay and logs every code it is asked to show.
type Agent struct {
	conn    busConn
	manager *BluetoothManager
	path    dbus.ObjectPath
	mu      sync.Mutex
	current *PairingRequest
}

func NewAgent(conn busConn, manager *BluetoothManager) (*Agent, error) {
	agent := &Agent{
		conn:    conn,
		manager: manager,
		path:    dbus.ObjectPath(BLUEZ_AGENT_PATH),
	}

	if err := conn.Export(agent, agent.path, BLUEZ_AGENT_INTERFACE); err != nil {
		return nil, err
	}

	node := &introspect.Node{
		Name: BLUEZ_AGENT_PATH,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    BLUEZ_AGENT_INTERFACE,
				Methods: introspect.Methods(agent),
			},
		},
	}

	if err := conn.Export(introspect.NewIntrospectable(node), agent.path, DBUS_INTROSPECTABLE); err != nil {
		return nil, err
	}

	obj := conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(BLUEZ_OBJECT_PATH))
	if err := obj.Call(BLUEZ_AGENT_MANAGER+".RegisterAgent", 0, agent.path, BLUEZ_AGENT_CAPABILITY).Err; err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}
	if err := obj.Call(BLUEZ_AGENT_MANAGER+".RequestDefaultAgent", 0, agent.path).Err; err != nil {
		log.Printf("Failed to become default agent: %v", err)
	}

	return agent, nil
}

func (a *Agent) Close() error {
	obj := a.conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(BLUEZ_OBJECT_PATH))
	err := obj.Call(BLUEZ_AGENT_MANAGER+".UnregisterAgent", 0, a.path).Err

	for _, iface := range []string{BLUEZ_AGENT_INTERFACE, DBUS_INTROSPECTABLE} {
		if exportErr := a.conn.Export(nil, a.path, iface); exportErr != nil {
			log.Printf("Failed to unexport %s: %v", iface, exportErr)
		}
	}

	return err
}

// Current returns the pairing request in progress, if any.
func (a *Agent) Current() *PairingRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Agent) show(device dbus.ObjectPath, code, kind string) {
	a.mu.Lock()
	a.current = &PairingRequest{
		Device:      string(device),
		Passkey:     code,
		RequestType: kind,
	}
	a.mu.Unlock()

	address := addressFromPath(device)
	log.Printf("Type %s on the keyboard %s and press Enter", code, address)

	if a.manager != nil {
		a.manager.broadcast(utils.WebSocketEvent{
			Type: "bluetooth/pairing",
			Payload: utils.PairingStartedPayload{
				Address:    address,
				PairingKey: code,
				Kind:       kind,
			},
		})
	}
}

func (a *Agent) clear() *PairingRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	current := a.current
	a.current = nil
	return current
}

func (a *Agent) Release() *dbus.Error {
	log.Println("Agent released")
	a.clear()
	return nil
}

func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	pin := fmt.Sprintf("%06d", rand.IntN(1000000))
	log.Printf("RequestPinCode from %s", device)
	a.show(device, pin, "pincode")
	return pin, nil
}

func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	log.Printf("DisplayPinCode from %s", device)
	a.show(device, pincode, "pincode")
	return nil
}

func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	passkey := uint32(rand.IntN(1000000))
	log.Printf("RequestPasskey from %s", device)
	a.show(device, fmt.Sprintf("%06d", passkey), "passkey")
	return passkey, nil
}

// DisplayPasskey is called once when pairing starts and again for every
// key the user presses.
func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	if entered > 0 {
		log.Printf("%d digits entered on %s", entered, device)
		return nil
	}
	a.show(device, fmt.Sprintf("%06d", passkey), "passkey")
	return nil
}

func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	log.Printf("RequestConfirmation (%06d) from %s", passkey, device)
	return nil
}

func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	log.Printf("RequestAuthorization from %s", device)
	return nil
}

func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	log.Printf("AuthorizeService (%s) from %s", uuid, device)
	return nil
}

func (a *Agent) Cancel() *dbus.Error {
	log.Println("Pairing cancelled")

	current := a.clear()
	if a.manager != nil {
		payload := utils.PairingCancelledPayload{}
		if current != nil {
			payload.Address = addressFromPath(dbus.ObjectPath(current.Device))
		}
		a.manager.broadcast(utils.WebSocketEvent{
			Type:    "bluetooth/pairing/cancelled",
			Payload: payload,
		})
	}

	return nil
}
