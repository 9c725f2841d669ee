package cli

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/0xrifai/pharos-network/internal/tasklog"
)

var levelColors = map[tasklog.Level]*color.Color{
	tasklog.LevelInfo:    color.New(color.FgCyan),
	tasklog.LevelSuccess: color.New(color.FgGreen),
	tasklog.LevelError:   color.New(color.FgRed, color.Bold),
	tasklog.LevelWarning: color.New(color.FgYellow),
}

// FormatEntry renders one log line as "[HH:MM:SS] LEVEL message".
func FormatEntry(entry tasklog.Entry, colorize bool) string {
	ts := entry.Timestamp.Local().Format("15:04:05")
	level := fmt.Sprintf("%-7s", entry.Level)
	if colorize {
		if c, ok := levelColors[entry.Level]; ok {
			level = c.Sprint(level)
		}
	}
	return fmt.Sprintf("[%s] %s %s\n", ts, level, entry.Message)
}
