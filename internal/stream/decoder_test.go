package stream

import (
	"io"
	"strings"
	"testing"

	"github.com/0xrifai/pharos-network/internal/tasklog"
)

func TestDecoderReadsFrames(t *testing.T) {
	body := ": keep-alive\n\n" +
		"data: {\"timestamp\":\"2025-07-01T07:30:00.000Z\",\"message\":\"Task Swap 1/3\",\"type\":\"info\"}\n\n" +
		"data: {\"timestamp\":\"2025-07-01T07:30:01.000Z\",\"message\":\"Swap failed: nope\",\"type\":\"error\"}\r\n\r\n"
	dec := NewDecoder(strings.NewReader(body))

	first, err := dec.Next()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if first.Message != "Task Swap 1/3" || first.Level != tasklog.LevelInfo {
		t.Fatalf("unexpected first entry %+v", first)
	}
	second, err := dec.Next()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if second.Level != tasklog.LevelError {
		t.Fatalf("unexpected level %s", second.Level)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestDecoderRejectsTruncatedFrame(t *testing.T) {
	dec := NewDecoder(strings.NewReader("data: {\"message\":\"x\"}\n"))
	if _, err := dec.Next(); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestDecoderRejectsInvalidJSON(t *testing.T) {
	dec := NewDecoder(strings.NewReader("data: not-json\n\n"))
	if _, err := dec.Next(); err == nil {
		t.Fatal("expected decode error")
	}
}
