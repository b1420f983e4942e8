package handlers

import (
	"encoding/json"
	"net/http"

	"buyme-realtime/internal/services"
	"buyme-realtime/pkg/logger"

	"github.com/gorilla/mux"
)

// StatusHandler exposes a local read-only view of the client session:
// connection state, visible notifications and reconciled auction snapshots.
// Development and monitoring aid; never reachable from outside the host.
type StatusHandler struct {
	client *services.Client
	log    logger.Logger
}

func NewStatusHandler(client *services.Client, log logger.Logger) *StatusHandler {
	return &StatusHandler{client: client, log: log}
}

func (h *StatusHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/status", h.Status).Methods("GET")
	router.HandleFunc("/notifications", h.Notifications).Methods("GET")
	router.HandleFunc("/auctions/{auctionID}", h.Auction).Methods("GET")
}

func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	rooms := h.client.Rooms()
	roomNames := make([]string, 0, len(rooms))
	for _, room := range rooms {
		roomNames = append(roomNames, room.String())
	}

	h.writeJSON(w, map[string]interface{}{
		"connection_state":      h.client.State().String(),
		"rooms":                 roomNames,
		"tracked_auctions":      h.client.TrackedAuctions(),
		"visible_notifications": len(h.client.Notifications().Visible()),
	})
}

func (h *StatusHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	visible := h.client.Notifications().Visible()
	out := make([]map[string]interface{}, 0, len(visible))
	for _, n := range visible {
		out = append(out, map[string]interface{}{
			"id":            n.ID,
			"title":         n.Title,
			"message":       n.Message,
			"severity":      string(n.Severity),
			"link":          n.Link,
			"created_at":    n.CreatedAt,
			"expires_after": n.ExpiresAfter.String(),
		})
	}
	h.writeJSON(w, out)
}

func (h *StatusHandler) Auction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	auctionID := vars["auctionID"]

	state, ok := h.client.Snapshot(auctionID)
	if !ok {
		http.Error(w, "auction not tracked", http.StatusNotFound)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"auction_id":        state.AuctionID,
		"title":             state.Title,
		"status":            state.Status.String(),
		"current_price":     state.CurrentPrice,
		"min_next_bid":      state.MinNextBid,
		"bid_count":         state.BidCount,
		"highest_bidder_id": state.HighestBidderID,
		"winner":            state.Winner,
		"recent_bids":       len(state.RecentBids),
	})
}

func (h *StatusHandler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode status response", "error", err)
	}
}
