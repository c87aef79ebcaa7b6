package bluetooth

import "fmt"

type PairingRequest struct {
	Device      string
	Passkey     string
	RequestType string
}

// PairError is returned by Device.Pair when BlueZ rejects or aborts the
// pairing. Failures of the bus itself are returned unwrapped.
type PairError struct {
	Address string
	Name    string
	Detail  string
}

func (e *PairError) Error() string {
	return fmt.Sprintf("pairing %s failed: %s", e.Address, e.Detail)
}
