// Package ielts contains the core domain types for the IELTS slot monitor.
package ielts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sentinels used when a field cannot be extracted from the page.
const (
	UnknownDate     = "Unknown date"
	UnknownTime     = "Unknown time"
	UnknownLocation = "Unknown location"
	UnknownType     = "Unknown type"
	UnknownPrice    = "Unknown price"
)

// Slot is one exam sitting extracted from a timetable page.
// Fields hold the raw trimmed text; use DisplayTime and DisplayLocation for output.
type Slot struct {
	Date          string `json:"date"`
	AlternateDate string `json:"alternate_date"`
	TimeOfDay     string `json:"time_of_day"`
	Location      string `json:"location"`
	ExamVariant   string `json:"exam_variant"`
	Price         string `json:"price"`
	Source        string `json:"source"`
	Available     bool   `json:"available"`
}

// DisplayTime returns the cleaned time window.
func (s Slot) DisplayTime() string {
	return Clean(s.TimeOfDay)
}

// DisplayLocation returns the cleaned venue name.
func (s Slot) DisplayLocation() string {
	return Clean(s.Location)
}

// Query is one (city, exam model, month) combination polled from the site.
type Query struct {
	City      string
	ExamModel string
	Month     string // YYYY-MM, empty for no month filter
}

func (q Query) String() string {
	if q.Month == "" {
		return fmt.Sprintf("%s/%s", q.City, q.ExamModel)
	}
	return fmt.Sprintf("%s/%s/%s", q.City, q.ExamModel, q.Month)
}

// State is the persisted notification state document.
type State struct {
	LastCheck            *time.Time `json:"last_check"`
	LastNotificationTime *time.Time `json:"last_notification_time"`
	NotifiedSlots        []string   `json:"notified_slots"`
	NotificationCount    int        `json:"notification_count"`
	RateLimitViolations  int        `json:"rate_limit_violations"`
}

// Python-style isoformat timestamps carry no zone; accept them alongside RFC 3339.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON accepts timestamps with or without a zone offset.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw struct {
		LastCheck            *string  `json:"last_check"`
		LastNotificationTime *string  `json:"last_notification_time"`
		NotifiedSlots        []string `json:"notified_slots"`
		NotificationCount    int      `json:"notification_count"`
		RateLimitViolations  int      `json:"rate_limit_violations"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	lastCheck, err := parseTime(raw.LastCheck)
	if err != nil {
		return fmt.Errorf("parse last_check: %w", err)
	}
	lastNotification, err := parseTime(raw.LastNotificationTime)
	if err != nil {
		return fmt.Errorf("parse last_notification_time: %w", err)
	}

	*s = State{
		LastCheck:            lastCheck,
		LastNotificationTime: lastNotification,
		NotifiedSlots:        raw.NotifiedSlots,
		NotificationCount:    raw.NotificationCount,
		RateLimitViolations:  raw.RateLimitViolations,
	}
	return nil
}

func parseTime(v *string) (*time.Time, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, *v)
		if err == nil {
			return &t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Stats is a read-only snapshot of the notification state.
type Stats struct {
	LastCheck            *time.Time `json:"last_check"`
	LastNotificationTime *time.Time `json:"last_notification_time"`
	NotificationCount    int        `json:"notification_count"`
	NotifiedCount        int        `json:"notified_count"`
	RateLimitViolations  int        `json:"rate_limit_violations"`
}
