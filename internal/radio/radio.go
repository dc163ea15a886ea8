// Package radio abstracts the device Bluetooth radio used to broadcast and
// receive attendance beacons.
package radio

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnavailable is returned when the platform radio module cannot be
// loaded at all, e.g. on an emulator.
var ErrUnavailable = errors.New("radio module unavailable")

// Raw adapter state strings.
const (
	StateUnknown      = "unknown"
	StateResetting    = "resetting"
	StateUnsupported  = "unsupported"
	StateUnauthorized = "unauthorized"
	StatePoweredOff   = "poweredOff"
	StatePoweredOn    = "poweredOn"
)

type ScanMode int

const (
	ScanModeLowPower ScanMode = iota
	ScanModeBalanced
	ScanModeLowLatency
)

type AdvertiseMode int

const (
	AdvertiseModeLowPower AdvertiseMode = iota
	AdvertiseModeBalanced
	AdvertiseModeLowLatency
)

type TxPowerLevel int

const (
	TxPowerUltraLow TxPowerLevel = iota
	TxPowerLow
	TxPowerMedium
	TxPowerHigh
)

// Dbm is the nominal output power of the level.
func (l TxPowerLevel) Dbm() int {
	switch l {
	case TxPowerUltraLow:
		return -21
	case TxPowerLow:
		return -15
	case TxPowerHigh:
		return 1
	default:
		return -7
	}
}

// Beacon is one received advertisement.
type Beacon struct {
	UUID  uuid.UUID
	Major uint16
	Minor uint16
	RSSI  int
}

// Key identifies a beacon independent of signal strength.
func (b Beacon) Key() string {
	return fmt.Sprintf("%s/%d/%d", b.UUID, b.Major, b.Minor)
}

type BroadcastOptions struct {
	UUID          uuid.UUID
	Major         uint16
	Minor         uint16
	AdvertiseMode AdvertiseMode
	TxPower       TxPowerLevel
}

type EventType int

const (
	EventStateChanged EventType = iota
	EventBeaconDetected
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventBeaconDetected:
		return "beacon_detected"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. State is set for EventStateChanged,
// Beacon for EventBeaconDetected.
type Event struct {
	Type   EventType
	State  string
	Beacon Beacon
}

// Radio is the platform radio. Implementations deliver events to subscribed
// channels without blocking; a full channel drops the event.
type Radio interface {
	StartBroadcasting(ctx context.Context, opts BroadcastOptions) error
	StopBroadcasting(ctx context.Context) error
	StartListening(ctx context.Context, id uuid.UUID, mode ScanMode) error
	StopListening(ctx context.Context) error
	DetectedBeacons(ctx context.Context) ([]Beacon, error)
	BluetoothState(ctx context.Context) (string, error)
	Subscribe(events chan<- Event) (unsubscribe func())
}

// HardwareState is the normalized view of the raw adapter state.
type HardwareState struct {
	IsEnabled   bool   `json:"isEnabled"`
	IsSupported bool   `json:"isSupported"`
	State       string `json:"state"`
	CanEnable   bool   `json:"canEnable"`
}

// NormalizeState projects a raw state string. Unrecognized values are
// treated as unknown: supported but not usable yet.
func NormalizeState(raw string) HardwareState {
	switch raw {
	case StatePoweredOn:
		return HardwareState{IsEnabled: true, IsSupported: true, State: raw, CanEnable: false}
	case StatePoweredOff:
		return HardwareState{IsEnabled: false, IsSupported: true, State: raw, CanEnable: true}
	case StateUnsupported:
		return HardwareState{IsEnabled: false, IsSupported: false, State: raw, CanEnable: false}
	case StateUnauthorized:
		return HardwareState{IsEnabled: false, IsSupported: true, State: raw, CanEnable: false}
	case StateResetting:
		return HardwareState{IsEnabled: false, IsSupported: true, State: raw, CanEnable: false}
	default:
		return HardwareState{IsEnabled: false, IsSupported: true, State: StateUnknown, CanEnable: false}
	}
}
