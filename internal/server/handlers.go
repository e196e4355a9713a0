// Package server exposes the plain HTTP handlers that sit next to the chat
// endpoint: health check and room introspection.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

// RoomLister is the read side of the room registry used by RoomsHandler.
type RoomLister interface {
	Rooms() map[string]int
	Count(roomID string) int
}

// RoomSummary is one entry of the /rooms response.
type RoomSummary struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "GoChat server is running!")
}

// RoomsHandler lists live rooms with their member counts, sorted by name.
func RoomsHandler(rooms RoomLister) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		counts := rooms.Rooms()
		out := make([]RoomSummary, 0, len(counts))
		for roomID, n := range counts {
			out = append(out, RoomSummary{Room: roomID, Members: n})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
		writeJSON(w, out)
	}
}

// RoomHandler reports the member count of one room; unknown rooms count zero.
func RoomHandler(rooms RoomLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.PathValue("room")
		writeJSON(w, RoomSummary{Room: roomID, Members: rooms.Count(roomID)})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
