package session

import "github.com/wahub-id/wahub/internal/wa"

// DisconnectReason classifies why a handle went away. QR_LIMIT, AUTH_FAILURE
// and DEVICE_DELETED clear session material; the rest leave it resumable.
type DisconnectReason string

const (
	ReasonQRLimit       DisconnectReason = "QR_LIMIT"
	ReasonInactivity    DisconnectReason = "INACTIVITY"
	ReasonUserRequest   DisconnectReason = "USER_DISCONNECT"
	ReasonDeviceDeleted DisconnectReason = "DEVICE_DELETED"
	ReasonAuthFailure   DisconnectReason = "AUTH_FAILURE"
	ReasonTransport     DisconnectReason = "TRANSPORT"
)

// Transition is the declarative outcome of applying one lifecycle event: the
// next persisted status plus the side effects the manager must run. Keeping
// this a pure function makes the QR-limit and ready paths testable without a
// live handle.
type Transition struct {
	Status       Status
	SetQR        string
	ClearQR      bool
	TouchActive  bool
	SetSession   bool
	ResetQRCount bool
	StartTimer   bool
	Evict        bool
	EvictReason  DisconnectReason
	ClearSession bool
}

// apply computes the transition for a transport event given the current QR
// counter. qrCount is the count after the event has been tallied.
func apply(ev wa.Event, qrCount, qrMax int) Transition {
	switch ev.Kind {
	case wa.EventQR:
		if qrCount >= qrMax {
			return Transition{
				Status:       StatusLogout,
				Evict:        true,
				EvictReason:  ReasonQRLimit,
				ClearSession: true,
				ClearQR:      true,
			}
		}
		return Transition{Status: StatusInitializing, SetQR: ev.QR}
	case wa.EventReady:
		return Transition{
			Status:       StatusConnected,
			ClearQR:      true,
			TouchActive:  true,
			SetSession:   true,
			ResetQRCount: true,
			StartTimer:   true,
		}
	case wa.EventMessage:
		return Transition{Status: StatusConnected, TouchActive: true, StartTimer: true}
	case wa.EventAuthFailure:
		return Transition{
			Status:       StatusLogout,
			Evict:        true,
			EvictReason:  ReasonAuthFailure,
			ClearSession: true,
			ClearQR:      true,
		}
	case wa.EventDisconnected:
		return Transition{
			Status:      StatusDisconnected,
			Evict:       true,
			EvictReason: ReasonTransport,
			ClearQR:     true,
		}
	}
	return Transition{}
}

// Notification is published after a transition completes, for API handlers
// and logging. Delivery is best-effort; the lifecycle never blocks on it.
type Notification struct {
	Kind     string           `json:"kind"` // qr | ready | disconnected
	UserID   string           `json:"userId"`
	ClientID string           `json:"clientId"`
	QR       string           `json:"qr,omitempty"`
	Reason   DisconnectReason `json:"reason,omitempty"`
}
