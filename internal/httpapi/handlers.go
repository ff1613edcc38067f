package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/hollandav/boardroom/internal/registry"
)

// ListRooms serves the diagnostic room listing: id, coordinator, member
// count, age. Not part of the coordination protocol.
func ListRooms(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan []registry.RoomInfo, 1)
		reg.Inbox() <- registry.ListRooms{Reply: reply}
		writeJSON(w, http.StatusOK, <-reply)
	}
}

// Healthz is the liveness probe: process is up, plus room/member counts.
func Healthz(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan registry.StatsView, 1)
		reg.Inbox() <- registry.Stats{Reply: reply}
		stats := <-reply
		writeJSON(w, http.StatusOK, struct {
			Status  string `json:"status"`
			Rooms   int    `json:"rooms"`
			Members int    `json:"members"`
		}{Status: "ok", Rooms: stats.Rooms, Members: stats.Members})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
