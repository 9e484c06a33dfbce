package notifier

import (
	"fmt"
	"strings"
	"time"
)

func FormatProgress(p Progress) string {
	return fmt.Sprintf("📊 run %s: %d/%d (sent %d, failed %d)",
		p.RunID, p.Processed, p.Total, p.Sent, p.Failed+p.Invalid)
}

func FormatSummary(s Summary) string {
	var b strings.Builder
	switch s.Status {
	case "completed":
		b.WriteString("✅ Broadcast completed")
	case "stopped":
		b.WriteString("⏹ Broadcast stopped")
	default:
		b.WriteString("⚠️ Broadcast " + s.Status)
	}
	fmt.Fprintf(&b, "\nrun: %s", s.RunID)
	fmt.Fprintf(&b, "\nsent: %d\nfailed: %d", s.Sent, s.Failed+s.Invalid)
	if s.Invalid > 0 {
		fmt.Fprintf(&b, " (invalid %d)", s.Invalid)
	}
	fmt.Fprintf(&b, "\ntotal: %d\nremaining: %d", s.Total, s.Remaining)
	if s.Elapsed > 0 {
		fmt.Fprintf(&b, "\nelapsed: %s", s.Elapsed.Round(time.Second))
	}
	if s.Reason != "" {
		b.WriteString("\nreason: " + s.Reason)
	}
	if s.Remaining > 0 {
		fmt.Fprintf(&b, "\nresume with /resume %s", s.RunID)
	}
	return b.String()
}
