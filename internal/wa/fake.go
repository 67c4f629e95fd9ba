package wa

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory Handle used in tests and as the default dialer in
// development builds (wire a real transport here for production).
type Fake struct {
	mu sync.Mutex

	events chan Event
	state  State

	Unregistered map[string]bool  // numbers reported as not on the network
	SendErr      map[string]error // per-number send failure
	FailSends    int              // fail this many sends before succeeding (per number)
	BusyDestroys int              // return ErrResourceBusy this many times
	SendDelay    time.Duration    // artificial per-send latency

	attempts  map[string]int
	sends     []SentMessage
	destroyed bool
	loggedOut bool
}

type SentMessage struct {
	Number  string
	Content string
	Media   *Media
}

func NewFake() *Fake {
	return &Fake{
		events:       make(chan Event, 16),
		state:        StateDisconnected,
		Unregistered: map[string]bool{},
		SendErr:      map[string]error{},
		attempts:     map[string]int{},
	}
}

func (f *Fake) Initialize(ctx context.Context) error {
	f.mu.Lock()
	f.state = StateConnecting
	f.mu.Unlock()
	return nil
}

func (f *Fake) Events() <-chan Event { return f.events }

// Emit pushes a lifecycle event as the real transport would.
func (f *Fake) Emit(ev Event) {
	f.mu.Lock()
	switch ev.Kind {
	case EventReady:
		f.state = StateConnected
	case EventDisconnected:
		f.state = StateDisconnected
	}
	f.mu.Unlock()
	f.events <- ev
}

func (f *Fake) IsRegisteredUser(ctx context.Context, number string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Unregistered[number], nil
}

func (f *Fake) Send(ctx context.Context, number, content string, media *Media) error {
	if f.SendDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.SendDelay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[number]++
	if err := f.SendErr[number]; err != nil {
		return err
	}
	if f.FailSends > 0 && f.attempts[number] <= f.FailSends {
		return ErrResourceBusy
	}
	f.sends = append(f.sends, SentMessage{Number: number, Content: content, Media: media})
	return nil
}

func (f *Fake) State(ctx context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *Fake) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BusyDestroys > 0 {
		f.BusyDestroys--
		return ErrResourceBusy
	}
	f.destroyed = true
	f.state = StateDisconnected
	return nil
}

func (f *Fake) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *Fake) Attempts(number string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[number]
}

func (f *Fake) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *Fake) LoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

// FakeDialer hands out pre-seeded fakes, or fresh ones when none are queued.
type FakeDialer struct {
	mu     sync.Mutex
	queued []*Fake
	Dialed []*Fake
}

func NewFakeDialer(handles ...*Fake) *FakeDialer {
	return &FakeDialer{queued: handles}
}

func (d *FakeDialer) Dial(userID, sessionDir string) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var h *Fake
	if len(d.queued) > 0 {
		h = d.queued[0]
		d.queued = d.queued[1:]
	} else {
		h = NewFake()
	}
	d.Dialed = append(d.Dialed, h)
	return h, nil
}
