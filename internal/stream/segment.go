package stream

import (
	"context"
	"io"

	"github.com/dohoonidot/aaa-client/internal/trigger"
)

// SegmentKind tags a Segment.
type SegmentKind string

const (
	SegmentText    SegmentKind = "text"
	SegmentTrigger SegmentKind = "trigger"
)

// Segment is one ordered piece of a processed stream: either display text or
// a recognized trigger.
type Segment struct {
	Kind     SegmentKind              `json:"kind"`
	Text     string                   `json:"text,omitempty"`
	Leave    *trigger.LeaveTrigger    `json:"leave,omitempty"`
	Approval *trigger.ApprovalTrigger `json:"approval,omitempty"`
}

// Collect processes r and returns its segments in stream order together with
// the final text. Concatenating the text segments yields the final text.
func (s *Segmenter) Collect(ctx context.Context, r io.Reader) ([]Segment, string, error) {
	var segs []Segment
	final, err := s.Process(ctx, r, Sinks{
		OnChunk: func(text string) {
			segs = append(segs, Segment{Kind: SegmentText, Text: text})
		},
		OnLeave: func(t trigger.LeaveTrigger) {
			segs = append(segs, Segment{Kind: SegmentTrigger, Leave: &t})
		},
		OnApproval: func(t trigger.ApprovalTrigger) {
			segs = append(segs, Segment{Kind: SegmentTrigger, Approval: &t})
		},
	})
	return segs, final, err
}
