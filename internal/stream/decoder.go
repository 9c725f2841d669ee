package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/0xrifai/pharos-network/internal/tasklog"
)

const maxFrameSize = 1 << 20

// Decoder reads task log entries from an SSE body.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	return &Decoder{scanner: scanner}
}

// Next blocks until a complete event is read. Comment frames are skipped.
// io.EOF is returned when the stream ends between events.
func (d *Decoder) Next() (tasklog.Entry, error) {
	var data []string
	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			var entry tasklog.Entry
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &entry); err != nil {
				return tasklog.Entry{}, fmt.Errorf("decode event: %w", err)
			}
			return entry, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := d.scanner.Err(); err != nil {
		return tasklog.Entry{}, err
	}
	if len(data) > 0 {
		return tasklog.Entry{}, io.ErrUnexpectedEOF
	}
	return tasklog.Entry{}, io.EOF
}
