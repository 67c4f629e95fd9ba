package httpapi

import (
	"encoding/json"
	"net/http"
)

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	b, err := s.Ledger.GetBalance(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) addQuota(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Amount int `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_amount"})
		return
	}
	if err := s.Ledger.Add(r.Context(), userID(r), in.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	b, err := s.Ledger.GetBalance(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
