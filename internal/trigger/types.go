package trigger

// Kind classifies a routed object.
type Kind int

const (
	// Unrecognized objects are not triggers and must be kept as text.
	Unrecognized Kind = iota
	// Leave is a leave-request draft trigger.
	Leave
	// Approval is an allow-listed approval trigger.
	Approval
	// Dropped is an approval trigger whose type is not allow-listed. It is
	// consumed but not forwarded.
	Dropped
)

func (k Kind) String() string {
	switch k {
	case Leave:
		return "leave"
	case Approval:
		return "approval"
	case Dropped:
		return "dropped"
	default:
		return "unrecognized"
	}
}

// Consumed reports whether the object's bytes are removed from the text.
func (k Kind) Consumed() bool {
	return k != Unrecognized
}

// ApproverData is one entry of a leave trigger's approval line.
type ApproverData struct {
	ApproverID     string `json:"approver_id"`
	ApproverName   string `json:"approver_name"`
	ApprovalSeq    int    `json:"approval_seq"`
	NextApproverID string `json:"next_approver_id"`
}

// CcPerson is one entry of a leave trigger's CC list.
type CcPerson struct {
	Name   string `json:"name"`
	UserID string `json:"user_id"`
}

// LeaveStatus is one remaining-leave balance line.
type LeaveStatus struct {
	LeaveType  string  `json:"leave_type"`
	TotalDays  float64 `json:"total_days"`
	RemainDays float64 `json:"remain_days"`
}

// LeaveTrigger asks the client to open a pre-filled leave request draft.
// Optional fields are always present and default to their zero value, except
// HalfDaySlot which defaults to "ALL".
type LeaveTrigger struct {
	UserID           string         `json:"user_id"`
	StartDate        string         `json:"start_date"`
	EndDate          string         `json:"end_date"`
	LeaveType        string         `json:"leave_type"`
	Reason           string         `json:"reason"`
	HalfDaySlot      string         `json:"half_day_slot"`
	ApprovalLine     []ApproverData `json:"approval_line"`
	CcList           []CcPerson     `json:"cc_list"`
	LeaveStatus      []LeaveStatus  `json:"leave_status"`
	PartialData      bool           `json:"partial_data"`
	FollowUpRequired bool           `json:"follow_up_required"`
	FollowUpMessage  string         `json:"follow_up_message"`

	Raw map[string]any `json:"-"`
}

// ApprovalTrigger asks the client to open an approval draft.
type ApprovalTrigger struct {
	ApprovalType string         `json:"approval_type"`
	Payload      map[string]any `json:"payload"`
}

// Result is the outcome of routing one object.
type Result struct {
	Kind     Kind
	Leave    *LeaveTrigger
	Approval *ApprovalTrigger
}
