package proximity

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"

	apperrors "github.com/rollcall/ble-attendance/internal/errors"
	"github.com/rollcall/ble-attendance/internal/permission"
	"github.com/rollcall/ble-attendance/internal/radio"
	"github.com/rollcall/ble-attendance/internal/token"
)

// BroadcastParams describes an advertisement under the deployment UUID.
type BroadcastParams struct {
	Major         uint16
	Minor         uint16
	AdvertiseMode radio.AdvertiseMode
	TxPower       radio.TxPowerLevel
}

// EnsureBluetoothReady requests missing permissions, then checks that the
// adapter is present and powered on. The failure is also cached as
// LastError for observers.
func (c *Controller) EnsureBluetoothReady(ctx context.Context) error {
	permState, err := permission.Ensure(ctx, c.deps.Permissions, c.cfg.Permissions, c.cfg.Rationale)
	c.mu.Lock()
	c.state.Permissions = permState
	c.publishLocked()
	c.mu.Unlock()
	if err != nil {
		return c.fail(err)
	}

	raw, err := c.bluetoothState(ctx)
	if err != nil {
		return c.fail(apperrors.Internal("Could not read Bluetooth state").WithCause(err))
	}
	c.applyHardwareState(ctx, raw)

	hw := radio.NormalizeState(raw)
	switch {
	case !hw.IsSupported:
		return c.fail(apperrors.HardwareUnsupported())
	case hw.State == radio.StateUnauthorized:
		return c.fail(apperrors.PermissionsDenied([]string{"bluetooth"}, true))
	case !hw.IsEnabled:
		return c.fail(apperrors.BluetoothDisabled())
	}
	return nil
}

// StartListening scans for attendance beacons under the deployment UUID.
func (c *Controller) StartListening(ctx context.Context, mode radio.ScanMode) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.state.IsListening {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.EnsureBluetoothReady(ctx); err != nil {
		return err
	}

	err := c.withRadio(func(r radio.Radio) error {
		return r.StartListening(ctx, c.cfg.DeploymentUUID, mode)
	})
	if err != nil {
		return c.fail(apperrors.Internal("Could not start scanning").WithCause(err))
	}

	c.mu.Lock()
	c.state.IsListening = true
	c.state.LastError = nil
	c.publishLocked()
	c.mu.Unlock()

	log.Info().Str("uuid", c.cfg.DeploymentUUID.String()).Int("mode", int(mode)).Msg("listening for attendance beacons")
	return nil
}

// StopListening is idempotent and never fails; radio errors are logged.
func (c *Controller) StopListening(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.IsListening {
		c.mu.Unlock()
		return nil
	}
	c.state.IsListening = false
	r := c.radio
	c.publishLocked()
	c.mu.Unlock()

	logRadioError(r.StopListening(ctx), "stop listening")
	return nil
}

// StartBroadcasting puts p on air, replacing any previous advertisement.
func (c *Controller) StartBroadcasting(ctx context.Context, p BroadcastParams) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	c.mu.Unlock()

	if err := c.EnsureBluetoothReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	wasBroadcasting := c.state.IsBroadcasting
	r := c.radio
	c.mu.Unlock()
	if wasBroadcasting {
		logRadioError(r.StopBroadcasting(ctx), "stop previous broadcast")
	}

	opts := radio.BroadcastOptions{
		UUID:          c.cfg.DeploymentUUID,
		Major:         p.Major,
		Minor:         p.Minor,
		AdvertiseMode: p.AdvertiseMode,
		TxPower:       p.TxPower,
	}
	err := c.withRadio(func(r radio.Radio) error {
		return r.StartBroadcasting(ctx, opts)
	})
	if err != nil {
		c.mu.Lock()
		c.state.IsBroadcasting = false
		c.mu.Unlock()
		return c.fail(apperrors.Internal("Could not start broadcasting").WithCause(err))
	}

	c.mu.Lock()
	c.state.IsBroadcasting = true
	c.state.LastError = nil
	c.publishLocked()
	c.mu.Unlock()

	log.Info().
		Uint16("major", p.Major).
		Uint16("minor", p.Minor).
		Int("txPowerDbm", p.TxPower.Dbm()).
		Msg("broadcasting beacon")
	return nil
}

// StopBroadcasting is idempotent and never fails; radio errors are logged.
func (c *Controller) StopBroadcasting(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.IsBroadcasting {
		c.mu.Unlock()
		return nil
	}
	c.state.IsBroadcasting = false
	r := c.radio
	c.publishLocked()
	c.mu.Unlock()

	logRadioError(r.StopBroadcasting(ctx), "stop broadcasting")
	return nil
}

// StartAttendanceSession broadcasts an existing session for orgCode. Any
// session already on air is stopped first. Members are notified in the
// background; a failed notification does not fail the start.
func (c *Controller) StartAttendanceSession(ctx context.Context, sessionToken string, orgCode uint16) (*CurrentSession, error) {
	if !token.ValidateFormat(sessionToken) {
		return nil, c.fail(apperrors.InvalidToken("Invalid session token format"))
	}
	payload, err := c.deps.Codec.Encode(sessionToken, strconv.Itoa(int(orgCode)))
	if err != nil {
		return nil, c.fail(apperrors.InvalidInput("org_code", "unknown organization code"))
	}

	c.mu.Lock()
	prior := c.state.CurrentSession
	c.mu.Unlock()
	if prior != nil {
		log.Info().Str("session", token.Mask(prior.SessionToken)).Msg("replacing running attendance session")
		if err := c.StopAttendanceSession(ctx); err != nil {
			return nil, err
		}
	}

	err = c.StartBroadcasting(ctx, BroadcastParams{
		Major:         payload.Major,
		Minor:         payload.Minor,
		AdvertiseMode: radio.AdvertiseModeLowLatency,
		TxPower:       radio.TxPowerHigh,
	})
	if err != nil {
		return nil, err
	}

	now := c.now()
	current := &CurrentSession{
		SessionToken: sessionToken,
		Major:        payload.Major,
		Minor:        payload.Minor,
		StartedAt:    now,
		ExpiresAt:    now.Add(c.cfg.DefaultSessionDuration),
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	resolved, err := c.deps.API.ResolveSession(rctx, sessionToken)
	cancel()
	switch {
	case err != nil:
		log.Warn().Err(err).Str("session", token.Mask(sessionToken)).Msg("could not resolve own session, using default duration")
	case resolved == nil:
		log.Warn().Str("session", token.Mask(sessionToken)).Msg("own session not found, using default duration")
	default:
		current.EventID = resolved.EventID
		current.EventTitle = resolved.EventTitle
		current.ExpiresAt = resolved.ExpiresAt
	}

	c.mu.Lock()
	c.state.CurrentSession = current
	c.publishLocked()
	snapshot := *current
	c.mu.Unlock()

	c.notifyMembers(sessionToken)
	return &snapshot, nil
}

// StopAttendanceSession takes the officer's session off air. The session
// itself stays valid on the server until stopped there.
func (c *Controller) StopAttendanceSession(ctx context.Context) error {
	c.mu.Lock()
	c.state.CurrentSession = nil
	c.publishLocked()
	c.mu.Unlock()
	return c.StopBroadcasting(ctx)
}

func (c *Controller) notifyMembers(sessionToken string) {
	if c.lifeCtx.Err() != nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(c.lifeCtx, c.cfg.RequestTimeout)
		defer cancel()

		result, err := c.deps.API.NotifySessionStarted(ctx, sessionToken)
		if err != nil {
			log.Warn().Err(err).Str("session", token.Mask(sessionToken)).Msg("session notification failed")
			return
		}
		log.Info().
			Str("session", token.Mask(sessionToken)).
			Int("sent", result.Sent).
			Int("failed", result.Failed).
			Msg("members notified of session start")
	}()
}

// applyHardwareState records an adapter state. Losing power ends any scan
// or broadcast and caches BLUETOOTH_DISABLED; regaining it clears that.
func (c *Controller) applyHardwareState(ctx context.Context, raw string) {
	hw := radio.NormalizeState(raw)

	c.mu.Lock()
	if c.state.Hardware == hw {
		c.mu.Unlock()
		return
	}
	c.state.Hardware = hw
	r := c.radio
	var stopListening, stopBroadcasting bool
	if !hw.IsEnabled {
		stopListening, stopBroadcasting = c.state.IsListening, c.state.IsBroadcasting
		c.state.IsListening = false
		c.state.IsBroadcasting = false
		switch {
		case !hw.IsSupported:
			c.state.LastError = apperrors.HardwareUnsupported()
		case hw.State == radio.StatePoweredOff || stopListening || stopBroadcasting:
			c.state.LastError = apperrors.BluetoothDisabled()
		}
	} else if c.state.LastError != nil && c.state.LastError.Code == apperrors.ErrCodeBluetoothDisabled {
		c.state.LastError = nil
	}
	c.publishLocked()
	c.mu.Unlock()

	log.Info().Str("state", hw.State).Bool("enabled", hw.IsEnabled).Msg("bluetooth state changed")

	if stopListening {
		logRadioError(r.StopListening(ctx), "stop listening")
	}
	if stopBroadcasting {
		logRadioError(r.StopBroadcasting(ctx), "stop broadcasting")
	}
}

func (c *Controller) pollHardware(ctx context.Context) {
	raw, err := c.bluetoothState(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not poll Bluetooth state")
		return
	}
	c.applyHardwareState(ctx, raw)
}

func (c *Controller) bluetoothState(ctx context.Context) (string, error) {
	var raw string
	err := c.withRadio(func(r radio.Radio) error {
		var err error
		raw, err = r.BluetoothState(ctx)
		return err
	})
	return raw, err
}

// withRadio runs fn against the current radio. If the radio module turns
// out to be unavailable the controller falls back to the no-op radio and
// fn is retried once.
func (c *Controller) withRadio(fn func(r radio.Radio) error) error {
	err := fn(c.currentRadio())
	if !errors.Is(err, radio.ErrUnavailable) {
		return err
	}
	c.degrade()
	return fn(c.currentRadio())
}

func (c *Controller) degrade() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.radio.(radio.Noop); ok {
		return
	}
	log.Warn().Msg("radio module unavailable, continuing without Bluetooth")

	noop := radio.Noop{}
	if c.unsubscribeRadio != nil {
		c.unsubscribeRadio()
		c.unsubscribeRadio = noop.Subscribe(c.events)
	}
	c.radio = noop
}

func logRadioError(err error, op string) {
	if err != nil {
		log.Warn().Err(err).Str("op", op).Msg("radio operation failed")
	}
}
