package main

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/opd-ai/peerdrop/file"
)

// printProgress reports progress and state changes of one session until the
// event stream closes.
func printProgress(out io.Writer, events <-chan file.Event, id uuid.UUID) {
	last := -1
	for ev := range events {
		if ev.Session.ID != id {
			continue
		}
		switch ev.Type {
		case file.EventProgress:
			pct := int(ev.Session.Progress() * 100)
			if pct == last {
				continue
			}
			last = pct
			fmt.Fprintf(out, "\r%3d%%  %s/%s  %s/s", pct,
				formatBytes(ev.Session.BytesAcked), formatBytes(ev.Session.Size),
				formatBytes(uint64(ev.Session.Speed)))
		case file.EventStateChanged:
			fmt.Fprintf(out, "\n%s\n", describe(ev.Session))
		}
	}
}

// printEvents reports state changes of every session.
func printEvents(out io.Writer, events <-chan file.Event) {
	for ev := range events {
		if ev.Type == file.EventStateChanged {
			fmt.Fprintln(out, describe(ev.Session))
		}
	}
}

func describe(info file.Info) string {
	s := fmt.Sprintf("%s %s: %s", info.Direction, info.Name, info.State)
	if info.Reason != file.ReasonNone {
		s += fmt.Sprintf(" (%s)", info.Reason)
	}
	if info.Target != "" && info.State == file.StateCompleted {
		s += " -> " + info.Target
	}
	return s
}

// formatBytes renders n with a binary unit suffix.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
