package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wahub-id/wahub/internal/dispatch"
	"github.com/wahub-id/wahub/internal/message"
)

const maxRecipients = 1000

func (s *Server) sendMessages(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	var in struct {
		Numbers  []string `json:"numbers"`
		Content  string   `json:"content"`
		MediaURL *string  `json:"mediaUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.Numbers) == 0 || in.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if len(in.Numbers) > maxRecipients {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "too_many_recipients"})
		return
	}

	c, err := s.Sessions.Status(r.Context(), uid)
	if err != nil {
		s.writeError(w, err)
		return
	}

	h, err := s.Sessions.GetHandle(r.Context(), uid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if h == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_not_connected"})
		return
	}

	// Sending counts as activity for the idle timer.
	s.Sessions.Touch(uid)

	records, err := s.Engine.Submit(r.Context(), dispatch.Submission{
		UserID:   uid,
		ClientID: c.ID,
		Numbers:  in.Numbers,
		Content:  in.Content,
		MediaURL: in.MediaURL,
	}, h)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": len(records),
		"messages": records,
	})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	c, err := s.Sessions.Status(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var status *message.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st := message.Status(v)
		status = &st
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	items, total, err := s.Messages.List(r.Context(), c.ID, status, page, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if page < 1 {
		page = 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
		"page":  page,
	})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.Messages.Get(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
