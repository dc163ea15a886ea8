// Package proximity runs the device side of attendance: it owns the radio,
// turns detected beacons into resolved sessions and submits attendance.
//
// A Controller is the single owner of all device state. Radio events go
// through a bounded queue drained by one loop goroutine; user actions may
// come from any goroutine and synchronize on the controller's mutex.
package proximity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rollcall/ble-attendance/internal/beacon"
	"github.com/rollcall/ble-attendance/internal/config"
	apperrors "github.com/rollcall/ble-attendance/internal/errors"
	"github.com/rollcall/ble-attendance/internal/model"
	"github.com/rollcall/ble-attendance/internal/permission"
	"github.com/rollcall/ble-attendance/internal/radio"
)

var ErrDisposed = errors.New("proximity controller disposed")

const (
	defaultSessionDuration = time.Hour
	defaultRequestTimeout  = 10 * time.Second
)

// SessionAPI is the backing store as seen from a device.
type SessionAPI interface {
	ResolveSession(ctx context.Context, sessionToken string) (*model.ResolvedSession, error)
	ResolveBeacon(ctx context.Context, orgID string, major, minor uint16) (*model.ResolvedSession, error)
	AddAttendance(ctx context.Context, sessionToken string, method model.AttendanceMethod) (*model.AttendanceResult, error)
	NotifySessionStarted(ctx context.Context, sessionToken string) (*model.NotifyResult, error)
}

// Organization is the authenticated caller's current organization.
type Organization struct {
	ID   string
	Slug string
}

// OrgContext supplies the caller's organization for beacon validation.
type OrgContext interface {
	CurrentOrganization(ctx context.Context) (Organization, error)
}

// StaticOrg is an OrgContext fixed at construction time.
type StaticOrg Organization

func (o StaticOrg) CurrentOrganization(ctx context.Context) (Organization, error) {
	return Organization(o), nil
}

type Config struct {
	DeploymentUUID         uuid.UUID
	Permissions            []permission.Category
	Rationale              permission.Rationale
	ScanMode               radio.ScanMode
	AutoAttendance         bool
	EventQueueSize         int
	MaintenanceInterval    time.Duration
	SeenBeaconWindow       time.Duration
	DefaultSessionDuration time.Duration
	RequestTimeout         time.Duration
	ResolveRate            rate.Limit
	ResolveBurst           int
}

func (c Config) withDefaults() Config {
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = config.ControllerEventQueueSize
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = config.ControllerMaintenanceInterval
	}
	if c.SeenBeaconWindow <= 0 {
		c.SeenBeaconWindow = config.ControllerSeenBeaconWindow
	}
	if c.DefaultSessionDuration <= 0 {
		c.DefaultSessionDuration = defaultSessionDuration
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ResolveRate <= 0 {
		c.ResolveRate = rate.Limit(config.ControllerResolvePerSecond)
	}
	if c.ResolveBurst <= 0 {
		c.ResolveBurst = config.ControllerResolveBurst
	}
	if c.Rationale == (permission.Rationale{}) {
		c.Rationale = permission.DefaultRationale
	}
	return c
}

type Deps struct {
	Radio       radio.Radio
	Permissions permission.Checker
	API         SessionAPI
	Org         OrgContext
	Notifier    Notifier
	Codec       *beacon.Codec
}

// DetectedSession is a session this device resolved from a beacon. It
// lives in memory only and is dropped once it expires.
type DetectedSession struct {
	EventID      string    `json:"eventId"`
	EventTitle   string    `json:"eventTitle"`
	OrgID        string    `json:"orgId"`
	SessionToken string    `json:"sessionToken"`
	StartsAt     time.Time `json:"startsAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	DetectedAt   time.Time `json:"detectedAt"`
	CheckedIn    bool      `json:"checkedIn"`
}

// CurrentSession is the officer's own session being broadcast.
type CurrentSession struct {
	SessionToken string    `json:"sessionToken"`
	EventID      string    `json:"eventId,omitempty"`
	EventTitle   string    `json:"eventTitle,omitempty"`
	Major        uint16    `json:"major"`
	Minor        uint16    `json:"minor"`
	StartedAt    time.Time `json:"startedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// State is an immutable snapshot handed to observers.
type State struct {
	Hardware         radio.HardwareState `json:"hardware"`
	Permissions      permission.State    `json:"permissions"`
	IsListening      bool                `json:"isListening"`
	IsBroadcasting   bool                `json:"isBroadcasting"`
	AutoAttendance   bool                `json:"autoAttendance"`
	CurrentSession   *CurrentSession     `json:"currentSession,omitempty"`
	DetectedSessions []DetectedSession   `json:"detectedSessions"`
	LastError        *apperrors.AppError `json:"lastError,omitempty"`
}

type Controller struct {
	deps    Deps
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time

	// lifetime of background notification calls
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	bg         sync.WaitGroup

	mu               sync.Mutex
	radio            radio.Radio
	state            State
	detected         map[string]*DetectedSession
	seen             map[string]time.Time
	observers        map[int]chan State
	nextObserver     int
	started          bool
	disposed         bool
	events           chan radio.Event
	unsubscribeRadio func()
	cancelLoop       context.CancelFunc
	loop             sync.WaitGroup
}

func New(deps Deps, cfg Config) (*Controller, error) {
	if deps.Codec == nil || deps.API == nil || deps.Org == nil {
		return nil, errors.New("proximity: codec, api and org context are required")
	}
	if deps.Radio == nil {
		deps.Radio = radio.Noop{}
	}
	if deps.Permissions == nil {
		deps.Permissions = permission.AlwaysGranted{}
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}
	cfg = cfg.withDefaults()

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Controller{
		deps:       deps,
		cfg:        cfg,
		limiter:    rate.NewLimiter(cfg.ResolveRate, cfg.ResolveBurst),
		now:        time.Now,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		radio:      deps.Radio,
		state: State{
			Hardware:       radio.NormalizeState(radio.StateUnknown),
			AutoAttendance: cfg.AutoAttendance,
		},
		detected:  make(map[string]*DetectedSession),
		seen:      make(map[string]time.Time),
		observers: make(map[int]chan State),
	}, nil
}

// Start subscribes to radio events and launches the event loop and the
// maintenance ticker. The loop stops when ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancelLoop = cancel
	c.events = make(chan radio.Event, c.cfg.EventQueueSize)
	c.unsubscribeRadio = c.radio.Subscribe(c.events)
	events := c.events
	c.loop.Add(1)
	c.mu.Unlock()

	go c.run(loopCtx, events)

	c.pollHardware(ctx)
	return nil
}

// Stop halts the event loop and drops the radio subscription. Radio
// activity is left as is; see Dispose.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel, unsubscribe := c.cancelLoop, c.unsubscribeRadio
	c.cancelLoop, c.unsubscribeRadio = nil, nil
	c.mu.Unlock()

	unsubscribe()
	cancel()
	c.loop.Wait()
}

// Dispose stops everything the controller started and closes observer
// channels. It is safe to call more than once.
func (c *Controller) Dispose() {
	c.Stop()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	r := c.radio
	listening, broadcasting := c.state.IsListening, c.state.IsBroadcasting
	c.state.IsListening = false
	c.state.IsBroadcasting = false
	c.state.CurrentSession = nil
	observers := c.observers
	c.observers = make(map[int]chan State)
	c.mu.Unlock()

	c.lifeCancel()
	c.bg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if listening {
		logRadioError(r.StopListening(ctx), "stop listening")
	}
	if broadcasting {
		logRadioError(r.StopBroadcasting(ctx), "stop broadcasting")
	}
	for _, ch := range observers {
		close(ch)
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel that always holds the latest state. Slow
// readers skip intermediate states. The channel is closed by the returned
// cancel func or by Dispose.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = ch
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if existing, ok := c.observers[id]; ok {
				delete(c.observers, id)
				close(existing)
			}
		})
	}
}

// SetAutoAttendance switches automatic submission for detected sessions.
func (c *Controller) SetAutoAttendance(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.AutoAttendance = enabled
	c.publishLocked()
}

func (c *Controller) run(ctx context.Context, events <-chan radio.Event) {
	defer c.loop.Done()

	ticker := time.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			c.handleEvent(ctx, ev)
		case <-ticker.C:
			c.maintain(ctx)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev radio.Event) {
	switch ev.Type {
	case radio.EventStateChanged:
		c.applyHardwareState(ctx, ev.State)
	case radio.EventBeaconDetected:
		c.processBeacon(ctx, ev.Beacon)
	}
}

func (c *Controller) snapshotLocked() State {
	s := c.state
	if c.state.CurrentSession != nil {
		cs := *c.state.CurrentSession
		s.CurrentSession = &cs
	}
	s.DetectedSessions = make([]DetectedSession, 0, len(c.detected))
	for _, ds := range c.detected {
		s.DetectedSessions = append(s.DetectedSessions, *ds)
	}
	sort.Slice(s.DetectedSessions, func(i, j int) bool {
		return s.DetectedSessions[i].DetectedAt.Before(s.DetectedSessions[j].DetectedAt)
	})
	return s
}

// publishLocked replaces whatever an observer has not read yet.
func (c *Controller) publishLocked() {
	if len(c.observers) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.observers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (c *Controller) currentRadio() radio.Radio {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.radio
}

// fail caches err for observers and returns it.
func (c *Controller) fail(err error) error {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("Unexpected radio failure").WithCause(err)
		err = appErr
	}
	c.mu.Lock()
	c.state.LastError = appErr
	c.publishLocked()
	c.mu.Unlock()
	return err
}
