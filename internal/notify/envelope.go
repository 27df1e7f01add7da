// Package notify implements the push-notification side of the client: the
// connection state machine, envelope decoding, the bounded notification store
// and batched acknowledgement.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Push event names the server emits.
const (
	EventLeaveApproval     = "leave_approval"
	EventLeaveAlert        = "leave_alert"
	EventLeaveCC           = "leave_cc"
	EventLeaveDraft        = "leave_draft"
	EventEApprovalAlert    = "eapproval_alert"
	EventEApprovalCC       = "eapproval_cc"
	EventEApprovalApproval = "eapproval_approval"
	EventAlert             = "alert"
	EventNotification      = "notification"
	EventContestDetail     = "contest_detail"
	EventBirthday          = "birthday"
	EventGift              = "gift"
	EventGiftArrival       = "gift_arrival"
)

// EventNames lists every push event the channel decodes.
var EventNames = []string{
	EventLeaveApproval, EventLeaveAlert, EventLeaveCC, EventLeaveDraft,
	EventEApprovalAlert, EventEApprovalCC, EventEApprovalApproval,
	EventAlert, EventNotification, EventContestDetail, EventBirthday,
	EventGift, EventGiftArrival,
}

var knownEvents = func() map[string]bool {
	m := make(map[string]bool, len(EventNames))
	for _, e := range EventNames {
		m[e] = true
	}
	return m
}()

// IsKnownEvent reports whether name is one of EventNames.
func IsKnownEvent(name string) bool { return knownEvents[name] }

// Envelope is one push message as sent by the server.
type Envelope struct {
	Event       string `json:"event"`
	UserID      string `json:"user_id"`
	QueueName   string `json:"queue_name"`
	Payload     any    `json:"payload,omitempty"`
	PayloadText string `json:"payload_text,omitempty"`
	SentAt      string `json:"sent_at"`
	EventID     string `json:"event_id"`
}

// Record is the display projection of an Envelope.
type Record struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	QueueName  string    `json:"queue_name"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Payload    any       `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Read       bool      `json:"read"`
	Link       string    `json:"link,omitempty"`
	Gift       bool      `json:"gift,omitempty"`
}

var errMissingEventID = errors.New("envelope missing event_id")

// ParseEnvelope decodes one push message body.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.EventID == "" {
		return Envelope{}, errMissingEventID
	}
	return env, nil
}

type eventInfo struct {
	title    string
	fallback string
	link     string
}

var eventTable = map[string]eventInfo{
	EventLeaveApproval:     {"Leave approval request", "A new leave approval request has arrived", "/leave/approval"},
	EventLeaveAlert:        {"Leave notice", "There is a leave-related notice", "/leave"},
	EventLeaveCC:           {"Leave CC", "A leave request lists you as CC", "/leave"},
	EventLeaveDraft:        {"Leave draft", "There is a saved leave draft", "/leave"},
	EventEApprovalApproval: {"E-approval request", "A new approval document has arrived", "/approval"},
	EventEApprovalAlert:    {"E-approval notice", "There is an e-approval notice", "/approval"},
	EventEApprovalCC:       {"E-approval CC", "An approval document lists you as CC", "/approval"},
	EventContestDetail:     {"Contest notice", "There is new contest information", "/contest"},
}

const (
	birthdayTitle    = "Happy birthday"
	birthdayFallback = "Today is a special day!"
	genericTitle     = "Notice"
	genericFallback  = "You have a new notice"
)

// now is swapped in tests.
var now = time.Now

// Decode projects env into a new unread Record.
func Decode(env Envelope) Record {
	rec := Record{
		ID:         env.EventID,
		Type:       env.Event,
		QueueName:  env.QueueName,
		Payload:    env.Payload,
		ReceivedAt: parseSentAt(env.SentAt),
		Gift:       IsGift(env),
	}
	rec.Title, rec.Message, rec.Link = describe(env.Event, env.Payload, env.PayloadText)
	return rec
}

func describe(event string, payload any, payloadText string) (title, message, link string) {
	if info, ok := eventTable[event]; ok {
		return info.title, orDefault(PayloadMessage(payload), info.fallback), info.link
	}
	if event == EventBirthday {
		if p, ok := payload.(map[string]any); ok {
			if name := str(p, "name"); name != "" {
				return birthdayTitle, fmt.Sprintf("Happy birthday to %s!", name), ""
			}
		}
		return birthdayTitle, orDefault(PayloadMessage(payload), birthdayFallback), ""
	}
	msg := payloadText
	if msg == "" {
		msg = orDefault(PayloadMessage(payload), genericFallback)
	}
	return genericTitle, msg, ""
}

func parseSentAt(s string) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return now()
}

// IsGift reports whether env announces a gift, either by event name or by a
// gift queue on the envelope or its payload.
func IsGift(env Envelope) bool {
	if env.Event == EventGift || env.Event == EventGiftArrival {
		return true
	}
	if strings.HasPrefix(env.QueueName, "gift.") {
		return true
	}
	if p, ok := env.Payload.(map[string]any); ok {
		q := str(p, "queue_name")
		return q == "gift" || strings.HasPrefix(q, "gift.")
	}
	return false
}

const maxPreview = 50

// PayloadMessage derives a one-line summary from a payload by inspecting the
// field names each event family uses. It returns "" when nothing useful is
// found.
func PayloadMessage(payload any) string {
	p, ok := payload.(map[string]any)
	if !ok {
		s, _ := payload.(string)
		return s
	}

	switch {
	case has(p, "leave_type") || has(p, "workdays_count") || (has(p, "status") && !has(p, "approval_type")):
		return leaveMessage(p)
	case has(p, "approval_type") || (has(p, "title") && has(p, "status") && !has(p, "leave_type")):
		doc := firstOf(p, "title", "doc_title", "document_title")
		if doc == "" {
			doc = "document"
		}
		status := approvalStatus(str(p, "status"))
		if requester := firstOf(p, "name", "drafter", "drafter_name"); requester != "" {
			return fmt.Sprintf("%s's %s - %s", requester, doc, status)
		}
		return fmt.Sprintf("%s - %s", doc, status)
	case has(p, "doc_title") || has(p, "document_title"):
		doc := orDefault(firstOf(p, "doc_title", "document_title"), "document")
		if drafter := firstOf(p, "drafter", "drafter_name", "name"); drafter != "" {
			return fmt.Sprintf("%s's %s", drafter, doc)
		}
		return doc + " approval request"
	case has(p, "contest_title") || has(p, "contest_name"):
		return orDefault(firstOf(p, "contest_title", "contest_name"), "Contest") + " contest started"
	case has(p, "birthday_person") || (str(p, "name") != "" && str(p, "title") == "" && str(p, "leave_type") == ""):
		return fmt.Sprintf("Happy birthday, %s!", firstOf(p, "birthday_person", "name"))
	}

	if title := strings.TrimSpace(str(p, "title")); title != "" {
		if name := firstOf(p, "name", "requester"); name != "" {
			return fmt.Sprintf("%s's %s", name, title)
		}
		return truncate(title, maxPreview)
	}
	for _, f := range []string{"message", "content", "body", "text", "description", "subject"} {
		if v := strings.TrimSpace(str(p, f)); v != "" {
			return truncate(v, maxPreview)
		}
	}
	if name := strings.TrimSpace(str(p, "name")); name != "" {
		return fmt.Sprintf("Notice for %s", name)
	}
	if c, ok := p["count"].(float64); ok && c > 0 {
		return fmt.Sprintf("%d new notifications", int(c))
	}
	return ""
}

func leaveMessage(p map[string]any) string {
	cancel := num(p, "is_cancel") == 1
	name := str(p, "name")
	status := leaveStatus(str(p, "status"))

	switch {
	case cancel && status != "":
		return "Cancellation request - " + status
	case name != "" && status != "":
		return name + " - " + status
	case status != "":
		return status
	case cancel:
		return "Cancellation request"
	case name != "":
		return "Name: " + name
	case str(p, "department") != "":
		return "Department: " + str(p, "department")
	case str(p, "leave_type") != "":
		return "Leave type: " + str(p, "leave_type")
	}
	return "Leave notice"
}

func leaveStatus(s string) string {
	switch s {
	case "APPROVED":
		return "Approved"
	case "REJECTED":
		return "Rejected"
	case "PENDING":
		return "Pending approval"
	}
	return s
}

func approvalStatus(s string) string {
	switch s {
	case "APPROVED":
		return "approved"
	case "REJECTED":
		return "rejected"
	case "PENDING":
		return "awaiting approval"
	}
	return "in progress"
}

func has(p map[string]any, key string) bool {
	_, ok := p[key]
	return ok
}

func str(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func num(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func firstOf(p map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := str(p, k); v != "" {
			return v
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
