package httpapi

import (
	"net/http"

	"github.com/wahub-id/wahub/internal/session"
)

func (s *Server) connectClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := s.Sessions.Connect(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Pairing progresses asynchronously; poll /clients/status for the QR.
	writeJSON(w, http.StatusAccepted, map[string]string{"clientId": clientID})
}

func (s *Server) disconnectClient(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.Disconnect(r.Context(), userID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(session.StatusDisconnected)})
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.DeleteDevice(r.Context(), userID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(session.StatusLogout)})
}

func (s *Server) clientStatus(w http.ResponseWriter, r *http.Request) {
	c, err := s.Sessions.Status(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// clientQR serves the latest pairing code. 404 until the transport has
// emitted one, and again once pairing completes.
func (s *Server) clientQR(w http.ResponseWriter, r *http.Request) {
	c, err := s.Sessions.Status(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if c.LastQRCode == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no_qr_available"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qr": *c.LastQRCode})
}
