package main

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"ielts-monitor/history"
	"ielts-monitor/pkg/ielts"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

// renderSlots prints available slots, and unavailable ones when showUnavailable is set.
func renderSlots(w io.Writer, slots []ielts.Slot, showUnavailable bool) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Status", "Date", "Local date", "Time", "Location", "Exam type", "Price"})

	for _, s := range slots {
		if !s.Available && !showUnavailable {
			continue
		}
		status := "available"
		if !s.Available {
			status = "full"
		}
		t.AppendRow(table.Row{status, s.Date, s.AlternateDate, s.DisplayTime(), s.DisplayLocation(), s.ExamVariant, s.Price})
	}
	t.Render()
}

func renderStats(w io.Writer, st ielts.Stats) {
	t := newTable(w)
	t.AppendRows([]table.Row{
		{"Last check", formatTime(st.LastCheck)},
		{"Last notification", formatTime(st.LastNotificationTime)},
		{"Notifications sent", st.NotificationCount},
		{"Slots tracked", st.NotifiedCount},
		{"Rate limit violations", st.RateLimitViolations},
	})
	t.Render()
}

func renderHistory(w io.Writer, entries []history.Entry) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Sent", "Date", "Time", "Location", "Exam type", "Via"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.SentAt.Local().Format("2006-01-02 15:04"),
			e.Date,
			ielts.Clean(e.TimeOfDay),
			ielts.Clean(e.Location),
			e.ExamVariant,
			e.Transport,
		})
	}
	t.Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
