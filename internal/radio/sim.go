package radio

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/rollcall/ble-attendance/internal/beacon"
)

// Operations that can be made to fail on a Sim.
const (
	OpStartBroadcasting = "start_broadcasting"
	OpStartListening    = "start_listening"
	OpBluetoothState    = "bluetooth_state"
)

var errNotPoweredOn = errors.New("adapter is not powered on")

// Ether is a shared medium for simulated radios. Advertising data put on
// air by one Sim reaches every other listening Sim on the same Ether.
type Ether struct {
	mu     sync.Mutex
	radios map[*Sim]struct{}
}

func NewEther() *Ether {
	return &Ether{radios: make(map[*Sim]struct{})}
}

func (e *Ether) attach(s *Sim) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.radios[s] = struct{}{}
}

func (e *Ether) peers(except *Sim) []*Sim {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Sim, 0, len(e.radios))
	for s := range e.radios {
		if s != except {
			out = append(out, s)
		}
	}
	return out
}

func (e *Ether) advertise(from *Sim, adv []byte) {
	for _, peer := range e.peers(from) {
		peer.receive(adv)
	}
}

// Sim is an in-memory Radio. Broadcasts are framed as real advertising data
// so receivers go through the same parser a hardware scan result would.
type Sim struct {
	mu          sync.Mutex
	ether       *Ether
	state       string
	advertising []byte
	listening   bool
	filter      uuid.UUID
	detected    map[string]Beacon
	subs        map[int]chan<- Event
	nextSub     int
	failures    map[string]error
}

// NewSim returns a powered-on simulated radio attached to ether, which may
// be nil for a radio that only receives injected beacons.
func NewSim(ether *Ether) *Sim {
	s := &Sim{
		ether:    ether,
		state:    StatePoweredOn,
		detected: make(map[string]Beacon),
		subs:     make(map[int]chan<- Event),
		failures: make(map[string]error),
	}
	if ether != nil {
		ether.attach(s)
	}
	return s
}

// SetFailure makes op fail with err until cleared with a nil err.
func (s *Sim) SetFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// SetState changes the adapter state and emits a state event. Leaving the
// powered-on state drops any scan or advertisement, as hardware does.
func (s *Sim) SetState(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = raw
	if raw != StatePoweredOn {
		s.listening = false
		s.advertising = nil
	}
	s.emit(Event{Type: EventStateChanged, State: raw})
}

// Inject delivers a beacon as if it had been scanned.
func (s *Sim) Inject(b Beacon) {
	adv, err := beacon.MarshalAdvertisement(b.UUID, beacon.Payload{Major: b.Major, Minor: b.Minor}, beacon.DefaultMeasuredPower)
	if err != nil {
		return
	}
	s.receive(adv)
}

func (s *Sim) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *Sim) IsBroadcasting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising != nil
}

// Advertisement returns the advertising data currently on air, or nil.
func (s *Sim) Advertisement() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.advertising...)
}

func (s *Sim) StartBroadcasting(ctx context.Context, opts BroadcastOptions) error {
	s.mu.Lock()
	if err := s.failures[OpStartBroadcasting]; err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state != StatePoweredOn {
		s.mu.Unlock()
		return errNotPoweredOn
	}
	adv, err := beacon.MarshalAdvertisement(opts.UUID, beacon.Payload{Major: opts.Major, Minor: opts.Minor}, beacon.DefaultMeasuredPower)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.advertising = adv
	s.mu.Unlock()

	if s.ether != nil {
		s.ether.advertise(s, adv)
	}
	return nil
}

func (s *Sim) StopBroadcasting(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertising = nil
	return nil
}

func (s *Sim) StartListening(ctx context.Context, id uuid.UUID, mode ScanMode) error {
	s.mu.Lock()
	if err := s.failures[OpStartListening]; err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state != StatePoweredOn {
		s.mu.Unlock()
		return errNotPoweredOn
	}
	s.listening = true
	s.filter = id
	s.mu.Unlock()

	// pick up whatever is already on air
	if s.ether != nil {
		for _, peer := range s.ether.peers(s) {
			if adv := peer.Advertisement(); len(adv) > 0 {
				s.receive(adv)
			}
		}
	}
	return nil
}

func (s *Sim) StopListening(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listening = false
	return nil
}

func (s *Sim) DetectedBeacons(ctx context.Context) ([]Beacon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Beacon, 0, len(s.detected))
	for _, b := range s.detected {
		out = append(out, b)
	}
	return out, nil
}

func (s *Sim) BluetoothState(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[OpBluetoothState]; err != nil {
		return "", err
	}
	return s.state, nil
}

func (s *Sim) Subscribe(events chan<- Event) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = events

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
		})
	}
}

// SubscriberCount reports how many event subscriptions are open.
func (s *Sim) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Sim) receive(adv []byte) {
	frame, err := beacon.ParseAdvertisement(adv)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening || frame.UUID != s.filter {
		return
	}
	b := Beacon{UUID: frame.UUID, Major: frame.Major, Minor: frame.Minor, RSSI: int(frame.MeasuredPower)}
	s.detected[b.Key()] = b
	s.emit(Event{Type: EventBeaconDetected, Beacon: b})
}

// emit must be called with s.mu held.
func (s *Sim) emit(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
