package bluetooth

const (
	BLUEZ_BUS_NAME            = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE   = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE    = "org.bluez.Device1"
	BLUEZ_AGENT_INTERFACE     = "org.bluez.Agent1"
	BLUEZ_AGENT_MANAGER       = "org.bluez.AgentManager1"
	BLUEZ_OBJECT_PATH         = "/org/bluez"
	BLUEZ_AGENT_PATH          = "/org/bluez/agent/kbpair"
	BLUEZ_AGENT_CAPABILITY    = "KeyboardDisplay"
	BLUEZ_ERROR_PREFIX        = "org.bluez.Error."
	DBUS_PROPERTIES_INTERFACE = "org.freedesktop.DBus.Properties"
	DBUS_OBJECT_MANAGER       = "org.freedesktop.DBus.ObjectManager"
	DBUS_INTROSPECTABLE       = "org.freedesktop.DBus.Introspectable"
	DBUS_INTERFACES_ADDED     = DBUS_OBJECT_MANAGER + ".InterfacesAdded"
	DBUS_PROPERTIES_CHANGED   = DBUS_PROPERTIES_INTERFACE + ".PropertiesChanged"
)

// Class-of-Device values accepted by GetDevices.
const (
	ClassAny      uint32 = 0
	ClassKeyboard uint32 = 0x2540
)

