package tasklog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level tags an entry for presentation.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// timestampLayout matches what browsers emit for Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ParseLevel maps a wire value onto a Level. Empty input is info.
func ParseLevel(raw string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(raw))) {
	case "", LevelInfo:
		return LevelInfo, nil
	case LevelSuccess:
		return LevelSuccess, nil
	case LevelError:
		return LevelError, nil
	case LevelWarning, "warn":
		return LevelWarning, nil
	default:
		return "", fmt.Errorf("unknown log level %q", raw)
	}
}

// Entry is one immutable line of a task timeline.
type Entry struct {
	Timestamp time.Time
	Message   string
	Level     Level
}

type wireEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Type      Level  `json:"type"`
}

// MarshalJSON renders the entry in the stream wire format.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEntry{
		Timestamp: e.Timestamp.UTC().Format(timestampLayout),
		Message:   e.Message,
		Type:      e.Level,
	})
}

// UnmarshalJSON accepts the stream wire format.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var wire wireEntry
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	level, err := ParseLevel(string(wire.Type))
	if err != nil {
		return err
	}
	var ts time.Time
	if wire.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, wire.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
	}
	*e = Entry{Timestamp: ts, Message: wire.Message, Level: level}
	return nil
}
