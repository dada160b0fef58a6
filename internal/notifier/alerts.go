package notifier

import (
	"fmt"
	"strings"

	"tickerd/internal/diag"
	"tickerd/internal/eventbus"
	"tickerd/internal/run"
)

// formatEvent maps a bus event to alert text and priority. Events that need
// no operator attention return ok=false; in particular a clean run stays
// quiet, and the notifier's own events never loop back into alerts.
//
// Texts deliberately omit run IDs so that identical failures collapse under
// the dedup window.
func formatEvent(e eventbus.Event) (text string, priority int, ok bool) {
	switch e.Type {
	case "run.failed":
		ev, isRun := e.Data.(run.RunEvent)
		if !isRun {
			return "", 0, false
		}
		return formatRunFailed(ev), 9, true

	case "run.completed":
		ev, isRun := e.Data.(run.RunEvent)
		if !isRun || (ev.Failures == 0 && ev.Trips == 0) {
			return "", 0, false
		}
		return formatRunDegraded(ev), 5, true

	case "entity.cooldown":
		ev, isCd := e.Data.(run.CooldownEvent)
		if !isCd {
			return "", 0, false
		}
		return formatCooldown(ev), 7, true

	case "diag.probe":
		ev, isProbe := e.Data.(diag.ProbeEvent)
		if !isProbe {
			return "", 0, false
		}
		return formatProbe(ev), 5, true
	}
	return "", 0, false
}

func formatRunFailed(ev run.RunEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run failed (%s)", ev.Strategy)
	if ev.Error != "" {
		fmt.Fprintf(&b, ": %s", ev.Error)
	}
	fmt.Fprintf(&b, "\ncompleted %d of %d fetches before aborting", ev.Successes, ev.Attempted)
	return b.String()
}

func formatRunDegraded(ev run.RunEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run degraded (%s): %d of %d fetches failed", ev.Strategy, ev.Failures, ev.Attempted)
	if ev.Trips > 0 {
		fmt.Fprintf(&b, ", %d entities tripped into cooldown", ev.Trips)
	}
	if len(ev.Intervals) > 0 {
		fmt.Fprintf(&b, "\nintervals: %s", strings.Join(ev.Intervals, ", "))
	}
	return b.String()
}

func formatCooldown(ev run.CooldownEvent) string {
	return fmt.Sprintf("%s:%s in cooldown until %s after %d consecutive errors",
		ev.Entity, ev.Interval, ev.Until.Format("15:04 MST"), ev.Errors)
}

func formatProbe(ev diag.ProbeEvent) string {
	if ev.Error != "" {
		return fmt.Sprintf("Bandwidth probe failed (%s): %s", ev.Reason, ev.Error)
	}
	return fmt.Sprintf("Bandwidth probe (%s): %.1f Mbps down / %.1f Mbps up, ping %.0f ms via %s",
		ev.Reason, ev.DownloadMbps, ev.UploadMbps, ev.PingMs, ev.Server)
}
