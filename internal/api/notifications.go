package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dohoonidot/aaa-client/internal/notify"
	"github.com/dohoonidot/aaa-client/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// NotificationStore is the live notification view served by the API.
type NotificationStore interface {
	List() []notify.Record
	Get(id string) (notify.Record, bool)
	UnreadCount() int
	MarkRead(id string) bool
	MarkAllRead() int
	Remove(id string) bool
	Clear()
	Refresh() int
}

// AckQueue accepts ids for batched acknowledgement.
type AckQueue interface {
	Add(id string)
	Pending() int
}

// ChannelControl exposes the push channel. SetEnabled is bound to the
// server's lifetime, not to the request that triggered it.
type ChannelControl interface {
	State() notify.State
	Enabled() bool
	SetEnabled(enabled bool)
}

// HistoryStore reads persisted notifications.
type HistoryStore interface {
	ListNotifications(f storage.NotificationFilter) ([]storage.Notification, error)
}

type AppDeps struct {
	Store   NotificationStore
	Acks    AckQueue
	Channel ChannelControl
	History HistoryStore // optional; /v1/history returns 404 without it
	Token   string       // bearer token; empty disables auth
}

// NotificationList is the body of GET /v1/notifications.
type NotificationList struct {
	Notifications []notify.Record `json:"notifications"`
	Unread        int             `json:"unread"`
}

// NotificationDetail is the body of GET /v1/notifications/{id}.
type NotificationDetail struct {
	Notification notify.Record   `json:"notification"`
	Details      []notify.Detail `json:"details"`
}

// AckRequest is the body of POST /v1/notifications/ack.
type AckRequest struct {
	EventIDs []string `json:"event_ids"`
}

// ChannelStatus is the body of GET and POST /v1/channel.
type ChannelStatus struct {
	State   notify.State `json:"state"`
	Enabled bool         `json:"enabled"`
}

// HistoryEntry is one persisted notification as returned by /v1/history.
type HistoryEntry struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt string          `json:"received_at"`
	Read       bool            `json:"read"`
	Acked      bool            `json:"acked"`
}

// NewAppHandler returns the local notifications API.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Get("/notifications", handleListNotifications(deps))
		r.Delete("/notifications", handleClearNotifications(deps))
		r.Post("/notifications/read-all", handleReadAll(deps))
		r.Post("/notifications/refresh", handleRefresh(deps))
		r.Post("/notifications/ack", handleAck(deps))
		r.Get("/notifications/{id}", handleGetNotification(deps))
		r.Post("/notifications/{id}/read", handleMarkRead(deps))
		r.Delete("/notifications/{id}", handleDeleteNotification(deps))

		r.Get("/history", handleHistory(deps))

		r.Get("/channel", handleChannelStatus(deps))
		r.Post("/channel", handleSetChannel(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := deps.Store.List()
		if r.URL.Query().Get("unread") == "true" {
			unread := records[:0:0]
			for _, rec := range records {
				if !rec.Read {
					unread = append(unread, rec)
				}
			}
			records = unread
		}
		if records == nil {
			records = []notify.Record{}
		}
		writeJSON(w, http.StatusOK, NotificationList{
			Notifications: records,
			Unread:        deps.Store.UnreadCount(),
		})
	}
}

func handleGetNotification(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := deps.Store.Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "notification not found")
			return
		}
		d := notify.Details(rec.Payload, rec.Type)
		if d == nil {
			d = []notify.Detail{}
		}
		writeJSON(w, http.StatusOK, NotificationDetail{Notification: rec, Details: d})
	}
}

func handleMarkRead(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := deps.Store.Get(id); !ok {
			httpError(w, http.StatusNotFound, "not_found", "notification not found")
			return
		}
		deps.Store.MarkRead(id)
		writeJSON(w, http.StatusOK, map[string]any{"status": "read", "unread": deps.Store.UnreadCount()})
	}
}

func handleReadAll(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := deps.Store.MarkAllRead()
		writeJSON(w, http.StatusOK, map[string]int{"changed": n})
	}
}

func handleRefresh(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := deps.Store.Refresh()
		writeJSON(w, http.StatusOK, map[string]int{"updated": n})
	}
}

func handleDeleteNotification(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Store.Remove(chi.URLParam(r, "id")) {
			httpError(w, http.StatusNotFound, "not_found", "notification not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleClearNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Store.Clear()
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAck(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.EventIDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "event_ids is required and must not be empty")
			return
		}
		if deps.Acks == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "acknowledgements are not enabled")
			return
		}

		for _, id := range req.EventIDs {
			deps.Acks.Add(id)
		}
		writeJSON(w, http.StatusAccepted, map[string]int{
			"queued":  len(req.EventIDs),
			"pending": deps.Acks.Pending(),
		})
	}
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusNotFound, "not_found", "history is not enabled")
			return
		}
		q := r.URL.Query()
		filter := storage.NotificationFilter{
			UnreadOnly:  q.Get("unread") == "true",
			UnackedOnly: q.Get("unacked") == "true",
			Limit:       parseIntParam(r, "limit", 50, 500),
		}
		rows, err := deps.History.ListNotifications(filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list history: %v", err)
			return
		}

		entries := make([]HistoryEntry, len(rows))
		for i, n := range rows {
			entries[i] = HistoryEntry{
				ID:         n.ID,
				Type:       n.Type,
				Title:      n.Title,
				Message:    n.Message,
				ReceivedAt: n.ReceivedAt.Format(time.RFC3339),
				Read:       n.Read,
				Acked:      n.Acked,
			}
			if n.PayloadJSON != "" && n.PayloadJSON != "null" {
				entries[i].Payload = json.RawMessage(n.PayloadJSON)
			}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleChannelStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Channel == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "push channel is not configured")
			return
		}
		writeJSON(w, http.StatusOK, ChannelStatus{State: deps.Channel.State(), Enabled: deps.Channel.Enabled()})
	}
}

func handleSetChannel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Channel == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "push channel is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if body.Enabled == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "enabled is required")
			return
		}

		deps.Channel.SetEnabled(*body.Enabled)
		writeJSON(w, http.StatusOK, ChannelStatus{State: deps.Channel.State(), Enabled: deps.Channel.Enabled()})
	}
}

// parseIntParam reads a positive integer query parameter, falling back to
// def and clamping to max when max > 0.
func parseIntParam(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
