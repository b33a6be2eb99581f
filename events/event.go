// Package events fans scrape job progress out to live subscribers.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/aluiziolira/go-scrape-products/models"
)

// Kind tags which variant an Event carries.
type Kind string

const (
	KindLog    Kind = "log"
	KindStats  Kind = "stats"
	KindStatus Kind = "status"
)

// Level is the severity of a log event as shown to observers.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is a progress notification. Only the fields matching Kind are set.
// JobID identifies the emitting job and is not part of the wire payload.
type Event struct {
	Kind    Kind
	JobID   string
	Level   Level
	Message string
	Stats   models.Stats
	Status  models.Status
}

// Log builds a log event.
func Log(jobID string, level Level, message string) Event {
	return Event{Kind: KindLog, JobID: jobID, Level: level, Message: message}
}

// StatsUpdate builds a stats event carrying a copy of stats.
func StatsUpdate(jobID string, stats models.Stats) Event {
	return Event{Kind: KindStats, JobID: jobID, Stats: stats}
}

// StatusChange builds a status event.
func StatusChange(jobID string, status models.Status) Event {
	return Event{Kind: KindStatus, JobID: jobID, Status: status}
}

type logPayload struct {
	Type    Kind   `json:"type"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

type statsPayload struct {
	Type Kind         `json:"type"`
	Data models.Stats `json:"data"`
}

type statusPayload struct {
	Type   Kind          `json:"type"`
	Status models.Status `json:"status"`
}

// MarshalJSON renders the observer wire shape for the event's kind.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindLog:
		return json.Marshal(logPayload{Type: KindLog, Level: e.Level, Message: e.Message})
	case KindStats:
		return json.Marshal(statsPayload{Type: KindStats, Data: e.Stats})
	case KindStatus:
		return json.Marshal(statusPayload{Type: KindStatus, Status: e.Status})
	default:
		return nil, fmt.Errorf("events: unknown kind %q", e.Kind)
	}
}
