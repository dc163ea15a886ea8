package radio

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Noop stands in for a radio that could not be loaded. It accepts every
// call, reports a powered-on adapter and never detects anything.
type Noop struct{}

func (Noop) StartBroadcasting(ctx context.Context, opts BroadcastOptions) error {
	log.Debug().Uint16("major", opts.Major).Uint16("minor", opts.Minor).Msg("noop radio: start broadcasting")
	return nil
}

func (Noop) StopBroadcasting(ctx context.Context) error { return nil }

func (Noop) StartListening(ctx context.Context, id uuid.UUID, mode ScanMode) error {
	log.Debug().Str("uuid", id.String()).Msg("noop radio: start listening")
	return nil
}

func (Noop) StopListening(ctx context.Context) error { return nil }

func (Noop) DetectedBeacons(ctx context.Context) ([]Beacon, error) { return nil, nil }

func (Noop) BluetoothState(ctx context.Context) (string, error) { return StatePoweredOn, nil }

func (Noop) Subscribe(events chan<- Event) func() { return func() {} }
