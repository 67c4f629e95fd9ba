package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wahub-id/wahub/internal/metrics"
	"github.com/wahub-id/wahub/internal/wa"
)

type Options struct {
	BasePath          string
	InactivityTimeout time.Duration
	MaxQRGeneration   int
	// IdleClearsSession switches inactivity eviction from the soft
	// DISCONNECTED branch to the hard LOGOUT branch.
	IdleClearsSession bool
	// DestroyBackoff paces retries when the transport reports the session
	// material as busy during teardown.
	DestroyBackoff []time.Duration
}

func (o *Options) defaults() {
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = 60 * time.Minute
	}
	if o.MaxQRGeneration <= 0 {
		o.MaxQRGeneration = 3
	}
	if o.DestroyBackoff == nil {
		o.DestroyBackoff = []time.Duration{2 * time.Second, 5 * time.Second}
	}
}

type entry struct {
	mu       sync.Mutex
	clientID string
	userID   string
	handle   wa.Handle
	timer    *time.Timer
	qrCount  int
	done     chan struct{}
	stopOnce *sync.Once
}

// Manager owns the live transport handles, at most one per client. All
// mutations of an entry serialize on its lock; the registry map has its own.
type Manager struct {
	store  *Store
	dialer wa.Dialer
	opts   Options
	log    *logrus.Logger

	mu      sync.Mutex
	entries map[string]*entry // by client id
	byUser  map[string]string // user id -> client id

	notifs chan Notification
}

func NewManager(store *Store, dialer wa.Dialer, opts Options, log *logrus.Logger) *Manager {
	opts.defaults()
	return &Manager{
		store:   store,
		dialer:  dialer,
		opts:    opts,
		log:     log,
		entries: make(map[string]*entry),
		byUser:  make(map[string]string),
		notifs:  make(chan Notification, 64),
	}
}

// Notifications exposes lifecycle events (QR codes, ready, disconnects) to
// API handlers. The stream is lossy under backpressure.
func (m *Manager) Notifications() <-chan Notification { return m.notifs }

func (m *Manager) publish(n Notification) {
	select {
	case m.notifs <- n:
	default:
		m.log.WithField("kind", n.Kind).Warn("dropping session notification, consumer too slow")
	}
}

func (m *Manager) sessionDir(userID string) string {
	return filepath.Join(m.opts.BasePath, "session-"+userID)
}

func (m *Manager) hasSessionDir(userID string) bool {
	info, err := os.Stat(m.sessionDir(userID))
	return err == nil && info.IsDir()
}

func sessionPointer(userID string) string { return "session-" + userID }

// Connect ensures the user has a live (or initializing) handle and returns
// the client id. Initialization is asynchronous: progress arrives through
// notifications and the persisted status.
func (m *Manager) Connect(ctx context.Context, userID string) (string, error) {
	c, err := m.store.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	e, ok := m.entries[c.ID]
	if !ok {
		e = &entry{clientID: c.ID, userID: userID}
		m.entries[c.ID] = e
		m.byUser[userID] = c.ID
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != nil {
		if st, err := e.handle.State(ctx); err == nil && st == wa.StateConnected {
			return c.ID, nil
		}
		// Stale handle from an earlier attempt; replace it.
		old := e.handle
		e.handle = nil
		m.stopEntryLocked(e)
		metrics.ActiveSessions.Dec()
		if err := m.destroyWithRetry(ctx, old); err != nil {
			m.log.WithError(err).WithField("clientId", c.ID).Warn("failed to destroy stale handle")
		}
	}

	status := StatusInitializing
	upd := Update{Status: &status, ClearQR: true}
	if m.hasSessionDir(userID) {
		ptr := sessionPointer(userID)
		upd.Session = &ptr
	} else {
		upd.ClearSession = true
	}
	if err := m.store.Update(ctx, c.ID, upd); err != nil {
		m.log.WithError(err).WithField("clientId", c.ID).Error("failed to persist INITIALIZING status")
	}

	h, err := m.dialer.Dial(userID, m.sessionDir(userID))
	if err != nil {
		return "", err
	}

	e.handle = h
	e.qrCount = 0
	e.done = make(chan struct{})
	e.stopOnce = &sync.Once{}
	metrics.ActiveSessions.Inc()

	go m.eventLoop(e, h)
	go func() {
		if err := h.Initialize(context.Background()); err != nil {
			m.log.WithError(err).WithField("clientId", e.clientID).Error("handle initialization failed")
			m.evict(e, ReasonAuthFailure, true)
		}
	}()

	return c.ID, nil
}

func (m *Manager) eventLoop(e *entry, h wa.Handle) {
	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			m.handleEvent(e, ev)
		}
	}
}

func (m *Manager) handleEvent(e *entry, ev wa.Event) {
	e.mu.Lock()
	if e.handle == nil {
		e.mu.Unlock()
		return
	}
	if ev.Kind == wa.EventQR {
		e.qrCount++
	}
	qrCount := e.qrCount
	tr := apply(ev, qrCount, m.opts.MaxQRGeneration)
	e.mu.Unlock()

	// A transport-reported logout is permanent even though it arrives as a
	// plain disconnect.
	if ev.Kind == wa.EventDisconnected && strings.Contains(strings.ToUpper(ev.Reason), "LOGOUT") {
		tr.ClearSession = true
	}

	if tr.Evict {
		m.evict(e, tr.EvictReason, tr.ClearSession)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upd := Update{Status: &tr.Status, ClearQR: tr.ClearQR, TouchActive: tr.TouchActive}
	if tr.SetQR != "" {
		upd.QRCode = &tr.SetQR
	}
	if tr.SetSession {
		ptr := sessionPointer(e.userID)
		upd.Session = &ptr
	}
	if err := m.store.Update(ctx, e.clientID, upd); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"clientId": e.clientID, "event": ev.Kind,
		}).Error("failed to persist status")
	}
	metrics.SessionTransitions.WithLabelValues(string(tr.Status)).Inc()

	if tr.ResetQRCount {
		e.mu.Lock()
		e.qrCount = 0
		e.mu.Unlock()
	}
	if tr.StartTimer {
		m.startInactivityTimer(e)
	}

	switch ev.Kind {
	case wa.EventQR:
		m.log.WithFields(logrus.Fields{"clientId": e.clientID, "attempt": qrCount}).Info("qr code generated")
		m.publish(Notification{Kind: "qr", UserID: e.userID, ClientID: e.clientID, QR: ev.QR})
	case wa.EventReady:
		m.log.WithField("clientId", e.clientID).Info("client ready")
		m.publish(Notification{Kind: "ready", UserID: e.userID, ClientID: e.clientID})
	}
}

func (m *Manager) startInactivityTimer(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(m.opts.InactivityTimeout, func() {
		m.log.WithField("clientId", e.clientID).Info("evicting idle session")
		m.evict(e, ReasonInactivity, m.opts.IdleClearsSession)
	})
}

// Touch resets the inactivity timer, e.g. on explicit activity from the API.
func (m *Manager) Touch(userID string) {
	if e := m.entryByUser(userID); e != nil {
		m.startInactivityTimer(e)
	}
}

func (m *Manager) entryByUser(userID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	cid, ok := m.byUser[userID]
	if !ok {
		return nil
	}
	return m.entries[cid]
}

// stopEntryLocked stops the timer and wakes the event loop. Caller holds e.mu.
func (m *Manager) stopEntryLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.stopOnce != nil {
		done := e.done
		e.stopOnce.Do(func() { close(done) })
	}
}

// evict tears a handle down and persists the resulting status. clearSession
// selects the terminal LOGOUT branch (session material removed); otherwise
// the eviction is soft and a later connect resumes the pairing.
func (m *Manager) evict(e *entry, reason DisconnectReason, clearSession bool) {
	e.mu.Lock()
	h := e.handle
	e.handle = nil
	e.qrCount = 0
	m.stopEntryLocked(e)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if h != nil {
		metrics.ActiveSessions.Dec()
		if err := m.destroyWithRetry(ctx, h); err != nil {
			m.log.WithError(err).WithField("clientId", e.clientID).Error("failed to destroy handle")
		}
	}

	status := StatusDisconnected
	if clearSession {
		status = StatusLogout
	}
	upd := Update{Status: &status, ClearQR: true, TouchActive: true, ClearSession: clearSession}
	if err := m.store.Update(ctx, e.clientID, upd); err != nil {
		m.log.WithError(err).WithField("clientId", e.clientID).Error("failed to persist eviction status")
	}
	metrics.SessionTransitions.WithLabelValues(string(status)).Inc()
	metrics.SessionEvictions.WithLabelValues(string(reason)).Inc()

	if clearSession {
		if err := os.RemoveAll(m.sessionDir(e.userID)); err != nil {
			m.log.WithError(err).WithField("userId", e.userID).Error("failed to remove session directory")
		}
	}

	// A concurrent Connect may have re-dialed onto this entry after the
	// handle was cleared above; deregister only if it is still handle-less.
	m.mu.Lock()
	e.mu.Lock()
	if e.handle == nil {
		delete(m.entries, e.clientID)
		delete(m.byUser, e.userID)
	}
	e.mu.Unlock()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"clientId": e.clientID, "reason": reason}).Warn("client disconnected")
	m.publish(Notification{Kind: "disconnected", UserID: e.userID, ClientID: e.clientID, Reason: reason})
}

// destroyWithRetry tolerates the transport briefly holding a lock on the
// session material.
func (m *Manager) destroyWithRetry(ctx context.Context, h wa.Handle) error {
	err := h.Destroy(ctx)
	if !errors.Is(err, wa.ErrResourceBusy) {
		return err
	}
	for _, wait := range m.opts.DestroyBackoff {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		err = h.Destroy(ctx)
		if !errors.Is(err, wa.ErrResourceBusy) {
			return err
		}
	}
	return err
}

// Disconnect is the user-initiated soft eviction: the handle goes away but
// the pairing survives for the next connect.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	c, err := m.store.FindByUser(ctx, userID)
	if err != nil {
		return err
	}
	if e := m.entryByUser(userID); e != nil {
		m.evict(e, ReasonUserRequest, false)
		return nil
	}
	status := StatusDisconnected
	return m.store.Update(ctx, c.ID, Update{Status: &status, ClearQR: true})
}

// DeleteDevice logs out of the network and removes all session material.
func (m *Manager) DeleteDevice(ctx context.Context, userID string) error {
	c, err := m.store.FindByUser(ctx, userID)
	if err != nil {
		return err
	}
	if e := m.entryByUser(userID); e != nil {
		e.mu.Lock()
		h := e.handle
		e.mu.Unlock()
		if h != nil {
			if err := h.Logout(ctx); err != nil {
				m.log.WithError(err).WithField("clientId", c.ID).Warn("remote logout failed")
			}
		}
		m.evict(e, ReasonDeviceDeleted, true)
		return nil
	}
	if err := os.RemoveAll(m.sessionDir(userID)); err != nil {
		m.log.WithError(err).WithField("userId", userID).Error("failed to remove session directory")
	}
	status := StatusLogout
	return m.store.Update(ctx, c.ID, Update{Status: &status, ClearQR: true, ClearSession: true})
}

// Status returns the persisted client row.
func (m *Manager) Status(ctx context.Context, userID string) (Client, error) {
	return m.store.FindByUser(ctx, userID)
}

// GetHandle returns the live handle only when the persisted status is
// CONNECTED and a handle is registered. A nil result means "not usable", not
// an error.
func (m *Manager) GetHandle(ctx context.Context, userID string) (wa.Handle, error) {
	c, err := m.store.FindByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if c.Status != StatusConnected {
		return nil, nil
	}
	e := m.entryByUser(userID)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle, nil
}

// CloseAll destroys every live handle, best-effort and bounded by ctx. Called
// from the shutdown path.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, e)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range snapshot {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.mu.Lock()
			h := e.handle
			e.handle = nil
			m.stopEntryLocked(e)
			e.mu.Unlock()
			if h == nil {
				return
			}
			metrics.ActiveSessions.Dec()
			if err := h.Destroy(ctx); err != nil {
				m.log.WithError(err).WithField("clientId", e.clientID).Warn("shutdown destroy failed")
			}
		}(e)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("shutdown timed out waiting for session teardown")
	}
}
