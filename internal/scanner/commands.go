package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"GapSentinel/internal/notifier"
)

// HandleCommand processes a chat command and returns a reply.
func (s *Scanner) HandleCommand(ctx context.Context, command string) string {
	cmd := strings.ToLower(strings.TrimSpace(command))
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i] // "/scan@SomeBot"
	}
	if f := strings.Fields(cmd); len(f) > 0 {
		cmd = f[0]
	}

	switch cmd {
	case "/scan":
		res, err := s.Scan(ctx)
		if errors.Is(err, ErrScanInProgress) {
			return "⏳ A scan is already in progress."
		}
		if err != nil {
			return fmt.Sprintf("❌ Scan failed: %v", err)
		}
		return notifier.FormatScanSummary(res)
	case "/status":
		return fmt.Sprintf("State: %s\n\n%s", s.State(), notifier.FormatScanSummary(s.Latest()))
	case "/alerts":
		return notifier.FormatAlertHistory(s.deps.Alerts.History(10), s.deps.Alerts.Stats())
	default:
		return notifier.HelpText()
	}
}
