package proximity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rollcall/ble-attendance/internal/beacon"
	apperrors "github.com/rollcall/ble-attendance/internal/errors"
	"github.com/rollcall/ble-attendance/internal/model"
	"github.com/rollcall/ble-attendance/internal/radio"
	"github.com/rollcall/ble-attendance/internal/token"
)

// processBeacon turns a received beacon into a detected session. Beacons
// of unknown or foreign organizations are dropped without side effects.
func (c *Controller) processBeacon(ctx context.Context, b radio.Beacon) {
	now := c.now()
	key := b.Key()

	c.mu.Lock()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.cfg.SeenBeaconWindow {
		c.mu.Unlock()
		log.Debug().Str("beacon", key).Msg("beacon already tracked")
		return
	}
	c.seen[key] = now
	c.mu.Unlock()

	codec := c.deps.Codec
	if !codec.IsAttendanceBeacon(b.Major) {
		log.Debug().Uint16("major", b.Major).Msg("ignoring beacon with unknown organization code")
		return
	}

	org, err := c.deps.Org.CurrentOrganization(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("no current organization, beacon not processed")
		c.forget(key)
		return
	}
	if !codec.ValidatePayload(b.Major, b.Minor, org.Slug) {
		log.Debug().Uint16("major", b.Major).Str("org", org.Slug).Msg("ignoring beacon of another organization")
		return
	}
	if c.alreadyDetected(org.ID, b.Minor) {
		return
	}

	if !c.limiter.Allow() {
		log.Debug().Str("beacon", key).Msg("beacon resolution throttled")
		c.forget(key)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	resolved, err := c.deps.API.ResolveBeacon(rctx, org.ID, b.Major, b.Minor)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("beacon", key).Msg("beacon resolution failed")
		c.forget(key)
		return
	}
	if resolved == nil || !resolved.IsValid {
		log.Debug().Str("beacon", key).Msg("beacon has no active session")
		return
	}

	c.mu.Lock()
	if _, dup := c.detected[resolved.SessionToken]; dup {
		c.mu.Unlock()
		return
	}
	c.detected[resolved.SessionToken] = &DetectedSession{
		EventID:      resolved.EventID,
		EventTitle:   resolved.EventTitle,
		OrgID:        resolved.OrgID,
		SessionToken: resolved.SessionToken,
		StartsAt:     resolved.StartsAt,
		ExpiresAt:    resolved.ExpiresAt,
		DetectedAt:   now,
	}
	auto := c.state.AutoAttendance
	c.publishLocked()
	c.mu.Unlock()

	log.Info().
		Str("session", token.Mask(resolved.SessionToken)).
		Str("event", resolved.EventTitle).
		Msg("attendance session detected")

	if !auto {
		c.deps.Notifier.Notify(Notice{
			Kind:         NoticeSessionDetected,
			Title:        resolved.EventTitle,
			Message:      fmt.Sprintf("%s is taking attendance. Check in manually.", resolved.EventTitle),
			SessionToken: resolved.SessionToken,
		})
		return
	}
	_, _ = c.submit(ctx, resolved.SessionToken, model.AttendanceMethodBLE)
}

// CheckIn submits attendance for a token typed or scanned by the user.
// Malformed input is answered locally with invalid_token.
func (c *Controller) CheckIn(ctx context.Context, raw string) (*model.AttendanceResult, error) {
	sessionToken, ok := token.Sanitize(raw)
	if !ok {
		return &model.AttendanceResult{Success: false, Error: apperrors.TagInvalidToken}, nil
	}
	return c.submit(ctx, sessionToken, model.AttendanceMethodManual)
}

// DetectedSessions returns the live detected sessions.
func (c *Controller) DetectedSessions() []DetectedSession {
	return c.Snapshot().DetectedSessions
}

func (c *Controller) submit(ctx context.Context, sessionToken string, method model.AttendanceMethod) (*model.AttendanceResult, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	result, err := c.deps.API.AddAttendance(rctx, sessionToken, method)
	cancel()

	title := c.titleFor(sessionToken)
	if err != nil {
		appErr, ok := apperrors.AsAppError(err)
		if !ok {
			appErr = apperrors.Network(err)
		}
		log.Warn().Err(err).Str("session", token.Mask(sessionToken)).Msg("attendance submission failed")
		c.deps.Notifier.Notify(Notice{
			Kind:         NoticeCheckInFailed,
			Title:        title,
			Message:      appErr.Message,
			SessionToken: sessionToken,
			Code:         appErr.Code,
			Action:       appErr.Action,
		})
		return nil, appErr
	}

	c.recordOutcome(sessionToken, title, result)
	return result, nil
}

func (c *Controller) recordOutcome(sessionToken, title string, result *model.AttendanceResult) {
	if result.Success || result.Error == apperrors.TagAlreadyCheckedIn {
		c.mu.Lock()
		if ds, ok := c.detected[sessionToken]; ok {
			ds.CheckedIn = true
			c.publishLocked()
		}
		c.mu.Unlock()
	}

	if result.Success {
		log.Info().Str("session", token.Mask(sessionToken)).Str("attendanceId", result.AttendanceID).Msg("checked in")
		c.deps.Notifier.Notify(Notice{
			Kind:         NoticeCheckedIn,
			Title:        title,
			Message:      fmt.Sprintf("Checked in to %s", displayTitle(title)),
			SessionToken: sessionToken,
		})
		return
	}

	if result.Error == apperrors.TagOrganizationMismatch {
		log.Debug().Str("session", token.Mask(sessionToken)).Msg("attendance rejected for another organization")
		return
	}

	appErr := apperrors.FromAttendanceTag(result.Error)
	log.Info().Str("session", token.Mask(sessionToken)).Str("reason", result.Error).Msg("attendance not recorded")
	c.deps.Notifier.Notify(Notice{
		Kind:         NoticeCheckInFailed,
		Title:        title,
		Message:      appErr.Message,
		SessionToken: sessionToken,
		Code:         appErr.Code,
		Action:       appErr.Action,
	})
}

// maintain drops expired detections and stale seen entries, stops an
// expired own broadcast and re-polls the adapter.
func (c *Controller) maintain(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	changed := false
	for tok, ds := range c.detected {
		if !now.Before(ds.ExpiresAt) {
			delete(c.detected, tok)
			changed = true
		}
	}
	for key, at := range c.seen {
		if now.Sub(at) >= c.cfg.SeenBeaconWindow {
			delete(c.seen, key)
		}
	}
	ownExpired := c.state.CurrentSession != nil && !now.Before(c.state.CurrentSession.ExpiresAt)
	if changed {
		c.publishLocked()
	}
	c.mu.Unlock()

	if ownExpired {
		log.Info().Msg("own attendance session expired, stopping broadcast")
		_ = c.StopAttendanceSession(ctx)
	}
	c.pollHardware(ctx)
}

func (c *Controller) alreadyDetected(orgID string, minor uint16) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ds := range c.detected {
		if ds.OrgID == orgID && now.Before(ds.ExpiresAt) && beacon.MinorFor(ds.SessionToken) == minor {
			return true
		}
	}
	return false
}

func (c *Controller) forget(key string) {
	c.mu.Lock()
	delete(c.seen, key)
	c.mu.Unlock()
}

func (c *Controller) titleFor(sessionToken string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.detected[sessionToken]; ok {
		return ds.EventTitle
	}
	return ""
}

func displayTitle(title string) string {
	if title == "" {
		return "the session"
	}
	return title
}
