package types

import "strings"

// ConnectionState is the device-connection status owned by the state machine.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

func (s ConnectionState) String() string { return string(s) }

// TransportKind selects how the device is reached.
type TransportKind string

const (
	TransportUSB      TransportKind = "usb"
	TransportWireless TransportKind = "wireless"
)

// TransportMode is chosen by the caller before each connect attempt.
type TransportMode struct {
	Kind    TransportKind `json:"kind"`
	Address string        `json:"address,omitempty"` // ip[:port], wireless only
}

// USB returns the USB transport mode.
func USB() TransportMode {
	return TransportMode{Kind: TransportUSB}
}

// Wireless returns a TCP/IP transport mode targeting address.
func Wireless(address string) TransportMode {
	return TransportMode{Kind: TransportWireless, Address: strings.TrimSpace(address)}
}

// IsWireless reports whether the mode targets a network address.
func (m TransportMode) IsWireless() bool {
	return m.Kind == TransportWireless
}

func (m TransportMode) String() string {
	if m.IsWireless() {
		return "wireless(" + m.Address + ")"
	}
	return "usb"
}

// DeviceStatus is the second column of an `adb devices` line.
type DeviceStatus string

const (
	DeviceReady        DeviceStatus = "device"
	DeviceUnauthorized DeviceStatus = "unauthorized"
	DeviceOffline      DeviceStatus = "offline"
)

// DeviceLine is one parsed row of `adb devices`.
type DeviceLine struct {
	ID       string       `json:"id"`
	Status   DeviceStatus `json:"status"`
	Wireless bool         `json:"wireless"`
}

// DeviceScan is the interpretation of one `adb devices` output.
type DeviceScan struct {
	// DeviceID is the authorized device to use; wireless ids win over USB serials.
	DeviceID string       `json:"deviceId,omitempty"`
	Wireless bool         `json:"wireless"`
	Waiting  []DeviceLine `json:"waiting,omitempty"` // unauthorized or offline devices
	Lines    []DeviceLine `json:"lines"`
}

// Authorized reports whether an authorized device was found.
func (s DeviceScan) Authorized() bool {
	return s.DeviceID != ""
}

// ConnectionSnapshot is a read-only copy of the connection status.
type ConnectionSnapshot struct {
	State    ConnectionState `json:"state"`
	DeviceID string          `json:"deviceId,omitempty"`
	Mode     TransportMode   `json:"mode"`
	Waiting  []DeviceLine    `json:"waiting,omitempty"`
	Packages int             `json:"packages"`
	Artifact string          `json:"artifact,omitempty"`
	Pending  []string        `json:"pending,omitempty"` // occupied operation slots
}

// BootstrapResult describes a successful `adb tcpip` switch.
type BootstrapResult struct {
	Serial string `json:"serial"`
	Port   int    `json:"port"`
	Output string `json:"output"`
}
