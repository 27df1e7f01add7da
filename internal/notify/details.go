package notify

import (
	"fmt"
	"strings"
	"time"
)

// Detail is one labelled line of a notification's detail view.
type Detail struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type details []Detail

func (d *details) add(label, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*d = append(*d, Detail{Label: label, Value: value})
	}
}

func (d details) has(label string) bool {
	for _, x := range d {
		if x.Label == label {
			return true
		}
	}
	return false
}

// Details extracts an ordered detail list for the given event type. It
// returns nil when the payload is not an object or yields nothing.
func Details(payload any, event string) []Detail {
	p, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	var d details

	switch {
	case event == EventLeaveAlert:
		d.add("Leave type", str(p, "leave_type"))
		if s := str(p, "status"); s != "" {
			if num(p, "is_cancel") == 1 {
				d.add("Status", "Cancellation requested")
			} else {
				d.add("Status", leaveStatus(s))
			}
		}
		d.add("Days", days(p))
		d.add("Starts", formatDate(str(p, "start_date")))
		d.add("Ends", formatDate(str(p, "end_date")))
		d.add("Reason", str(p, "reason"))
		d.add("Rejection reason", str(p, "reject_message"))
		d.add("Requester", firstOf(p, "requester_name", "requester"))

	case event == EventLeaveApproval:
		d.add("Requester", firstOf(p, "requester_name", "requester"))
		d.add("Leave type", str(p, "leave_type"))
		d.add("Days", days(p))
		if start, end := formatDate(str(p, "start_date")), formatDate(str(p, "end_date")); start != "" || end != "" {
			d.add("Period", start+" ~ "+end)
		}
		d.add("Reason", str(p, "reason"))
		d.add("Action", "Waiting for your leave approval")

	case event == EventLeaveCC:
		d.add("Requester", firstOf(p, "requester_name", "requester"))
		d.add("Leave type", str(p, "leave_type"))
		d.add("Days", days(p))
		d.add("Why", "You are CC on a leave request")

	case event == EventLeaveDraft:
		d.add("Kind", "Leave draft")
		d.add("Leave type", str(p, "leave_type"))
		d.add("Days", days(p))
		d.add("Progress", "A saved leave request is waiting")

	case strings.Contains(event, "eapproval"):
		d.add("Document", firstOf(p, "title", "doc_title", "document_title"))
		d.add("Requester", firstOf(p, "name", "drafter", "drafter_name"))
		d.add("Department", str(p, "department"))
		d.add("Position", str(p, "job_position"))
		if s := str(p, "status"); s != "" {
			d.add("Status", leaveStatus(s))
		}
		d.add("Approval type", str(p, "approval_type"))
		switch event {
		case EventEApprovalApproval:
			if !d.has("Status") {
				d.add("Status", "Pending approval")
			}
			d.add("Action", "Waiting for your approval")
		case EventEApprovalAlert:
			if !d.has("Status") {
				d.add("Status", "In progress")
			}
		case EventEApprovalCC:
			if !d.has("Status") {
				d.add("Status", "CC")
			}
		}
		if amt := num(p, "amount"); amt > 0 {
			d.add("Amount", fmt.Sprintf("%.0f", amt))
		}
		d.add("Comment", firstOf(p, "comment", "message"))

	case event == EventContestDetail:
		d.add("Contest", firstOf(p, "title", "contest_title"))
		d.add("Description", str(p, "description"))
		d.add("Opens", formatDate(str(p, "start_date")))
		d.add("Closes", formatDate(str(p, "end_date")))

	case event == EventBirthday:
		if name := firstOf(p, "name", "birthday_person"); name != "" {
			d.add("Birthday", fmt.Sprintf("Happy birthday to %s!", name))
		}
		d.add("Born", formatDate(str(p, "birth_date")))

	default:
		for _, f := range []struct{ key, label string }{
			{"title", "Title"}, {"subject", "Title"},
			{"message", "Message"}, {"content", "Message"},
			{"description", "Description"}, {"name", "Name"},
			{"requester", "Requester"}, {"requester_name", "Requester"},
		} {
			if !d.has(f.label) {
				d.add(f.label, truncate(str(p, f.key), 150))
			}
		}
	}

	if len(d) == 0 {
		return nil
	}
	if id := num(p, "id"); id > 0 {
		d.add("ID", fmt.Sprintf("#%.0f", id))
	}
	return d
}

func days(p map[string]any) string {
	if n := num(p, "workdays_count"); n > 0 {
		return fmt.Sprintf("%g", n)
	}
	return ""
}

// formatDate renders an RFC 3339 or date-only value as YYYY-MM-DD. Zero
// dates from the server are treated as absent.
func formatDate(s string) string {
	if s == "" || strings.HasPrefix(s, "0001-01-01") {
		return ""
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}
