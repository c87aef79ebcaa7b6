package utils

// Bluetooth
type BluetoothDeviceInfo struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Alias     string `json:"alias"`
	Class     string `json:"class"`
	Icon      string `json:"icon"`
	Paired    bool   `json:"paired"`
	Trusted   bool   `json:"trusted"`
	Connected bool   `json:"connected"`
	RSSI      *int16 `json:"rssi,omitempty"`
}

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Session string      `json:"session,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

type ScanPayload struct {
	Adapters int     `json:"adapters"`
	Timeout  float64 `json:"timeoutSeconds"`
}

type DeviceDiscoveredPayload struct {
	Address string `json:"address"`
	Path    string `json:"path"`
}

type PairingStartedPayload struct {
	Address    string `json:"address"`
	PairingKey string `json:"pairingKey"`
	Kind       string `json:"kind"`
}

type DevicePairedPayload struct {
	Device *BluetoothDeviceInfo `json:"device"`
}

type PairingFailedPayload struct {
	Address string `json:"address"`
	Error   string `json:"error"`
}

type PairingCancelledPayload struct {
	Address string `json:"address,omitempty"`
}
