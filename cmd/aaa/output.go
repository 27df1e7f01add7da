package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dohoonidot/aaa-client/internal/notify"
	"github.com/dohoonidot/aaa-client/internal/trigger"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// printRecord writes one notification as a two-line entry: a header with
// the unread marker, short id, time and title, then the message.
func printRecord(w io.Writer, rec notify.Record) {
	marker := " "
	if !rec.Read {
		marker = colorize(colorYellow, "●")
	}
	fmt.Fprintf(w, "%s %s  %s  %s\n",
		marker,
		colorize(colorCyan, shortID(rec.ID)),
		colorize(colorDim, rec.ReceivedAt.Local().Format(time.DateTime)),
		colorize(colorBold, rec.Title),
	)
	if rec.Message != "" {
		fmt.Fprintf(w, "    %s\n", rec.Message)
	}
}

func printDetails(w io.Writer, details []notify.Detail) {
	for _, d := range details {
		fmt.Fprintf(w, "    %s %s\n", colorize(colorBold, d.Label+":"), d.Value)
	}
}

func printLeaveTrigger(t trigger.LeaveTrigger) {
	printStep("Leave request draft: %s %s ~ %s", t.LeaveType, t.StartDate, t.EndDate)
	if t.Reason != "" {
		printStatus("Reason", "%s", t.Reason)
	}
	for _, a := range t.ApprovalLine {
		printStatus("Approver", "%d. %s", a.ApprovalSeq, a.ApproverName)
	}
	for _, s := range t.LeaveStatus {
		printStatus("Balance", "%s %.1f / %.1f days", s.LeaveType, s.RemainDays, s.TotalDays)
	}
	if t.FollowUpRequired && t.FollowUpMessage != "" {
		printWarning("%s", t.FollowUpMessage)
	}
}

func printApprovalTrigger(t trigger.ApprovalTrigger) {
	printStep("Approval draft: %s (%d fields)", t.ApprovalType, len(t.Payload))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
