// Package trigger recognizes structured control objects embedded in a chat
// response and turns them into typed trigger payloads.
package trigger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
)

// DefaultApprovalTypes is the approval allow-list used when none is given.
var DefaultApprovalTypes = []string{"hr_leave_grant"}

var leaveRequired = []string{"user_id", "start_date", "end_date", "leave_type"}

// Router classifies decoded JSON objects. The zero value is not usable; call
// NewRouter.
type Router struct {
	allowed map[string]bool
	logger  *slog.Logger
}

// NewRouter returns a Router that forwards approval triggers whose type is in
// allowed. An empty allowed list selects DefaultApprovalTypes.
func NewRouter(allowed []string, logger *slog.Logger) *Router {
	if len(allowed) == 0 {
		allowed = DefaultApprovalTypes
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		m[a] = true
	}
	return &Router{allowed: m, logger: logger}
}

// Route classifies obj. The leave check runs first and wins: an object that
// also carries an approval_type is routed as a leave trigger only.
func (r *Router) Route(obj map[string]any) Result {
	if obj == nil {
		return Result{Kind: Unrecognized}
	}

	if hasAll(obj, leaveRequired) {
		lt := decodeLeave(obj)
		r.logger.Debug("leave trigger detected", "user_id", lt.UserID, "leave_type", lt.LeaveType)
		return Result{Kind: Leave, Leave: &lt}
	}

	payload := normalizeApproval(obj)
	if payload == nil {
		return Result{Kind: Unrecognized}
	}
	typ := stringField(payload, "approval_type")
	if !r.allowed[typ] {
		r.logger.Debug("approval trigger dropped", "approval_type", typ)
		return Result{Kind: Dropped}
	}
	return Result{Kind: Approval, Approval: &ApprovalTrigger{ApprovalType: typ, Payload: payload}}
}

// normalizeApproval returns the object carrying approval_type, either obj
// itself or obj["data"], or nil when neither does.
func normalizeApproval(obj map[string]any) map[string]any {
	if _, ok := obj["approval_type"]; ok {
		return obj
	}
	if data, ok := obj["data"].(map[string]any); ok {
		if _, ok := data["approval_type"]; ok {
			return data
		}
	}
	return nil
}

func hasAll(obj map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return false
		}
	}
	return true
}

func decodeLeave(obj map[string]any) LeaveTrigger {
	lt := LeaveTrigger{
		UserID:           stringField(obj, "user_id"),
		StartDate:        stringField(obj, "start_date"),
		EndDate:          stringField(obj, "end_date"),
		LeaveType:        stringField(obj, "leave_type"),
		Reason:           stringField(obj, "reason"),
		HalfDaySlot:      stringField(obj, "half_day_slot"),
		PartialData:      boolField(obj, "partial_data"),
		FollowUpRequired: boolField(obj, "follow_up_required"),
		FollowUpMessage:  stringField(obj, "follow_up_message"),
		ApprovalLine:     []ApproverData{},
		CcList:           []CcPerson{},
		LeaveStatus:      []LeaveStatus{},
		Raw:              obj,
	}
	if lt.HalfDaySlot == "" {
		lt.HalfDaySlot = "ALL"
	}
	decodeList(obj["approval_line"], &lt.ApprovalLine)
	decodeList(obj["cc_list"], &lt.CcList)
	decodeList(obj["leave_status"], &lt.LeaveStatus)
	return lt
}

// decodeList re-decodes a list field into dst. Malformed lists leave dst
// empty rather than failing the trigger.
func decodeList[T any](v any, dst *[]T) {
	if _, ok := v.([]any); !ok {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		return
	}
	*dst = out
}

func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func boolField(obj map[string]any, key string) bool {
	switch v := obj[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}
