package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"roomcast/internal/chat"
)

type healthResponse struct {
	Status     string `json:"status"`
	InstanceID string `json:"instanceId"`
	Bus        bool   `json:"bus"`
	Store      bool   `json:"store"`
	Users      int    `json:"users"`
	Rooms      int    `json:"rooms"`
}

type roomsResponse struct {
	Rooms []roomDTO `json:"rooms"`
}

type roomDTO struct {
	chat.Room
	Protected bool `json:"protected"`
	Local     bool `json:"local"`
}

func deadline() time.Time { return time.Now().Add(writeWait) }

// HandleHealth reports whether the store and the bus are reachable.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := healthResponse{
		Status:     "ok",
		InstanceID: s.cfg.InstanceID,
		Bus:        s.bus.Healthy(),
		Store:      s.store.Ping(ctx) == nil,
		Users:      s.presence.ActiveCount(),
		Rooms:      s.hub.size(),
	}
	status := http.StatusOK
	if !resp.Bus || !resp.Store || s.closing.Load() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// HandleRooms lists rooms for an authenticated caller.
func (s *Server) HandleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, err := s.auth.Authenticate(r.Context(), bearerToken(r)); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, chat.ErrUnauthorized):
			status = http.StatusUnauthorized
		case chat.IsRetryable(err):
			status = http.StatusServiceUnavailable
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := roomsResponse{Rooms: make([]roomDTO, 0, len(rooms))}
	for _, room := range rooms {
		resp.Rooms = append(resp.Rooms, roomDTO{Room: room, Protected: room.HasPassword(), Local: s.hub.Exists(room.ID)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
