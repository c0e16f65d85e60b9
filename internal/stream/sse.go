package stream

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	"trip_planner/pkg"
)

// Headers are the response headers of an event stream.
var Headers = map[string]string{
	"Content-Type":      "text/event-stream",
	"Cache-Control":     "no-cache",
	"Connection":        "keep-alive",
	"X-Accel-Buffering": "no",
}

type flusher interface {
	Flush()
}

// Encoder writes events as `data: <json>` frames.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame and flushes the writer when it supports it.
func (e *Encoder) Encode(ev pkg.StreamEvent) error {
	data, err := sonic.Marshal(ev.Wire())
	if err != nil {
		return fmt.Errorf("failed to marshal event %d: %w", ev.Seq, err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if f, ok := e.w.(flusher); ok {
		f.Flush()
	}
	return nil
}

// Drain encodes every event from events until the channel closes. It keeps
// draining after a write error so producers never block, and returns the
// first error.
func Drain(events <-chan pkg.StreamEvent, enc *Encoder) error {
	var first error
	for ev := range events {
		if first != nil {
			continue
		}
		first = enc.Encode(ev)
	}
	return first
}

// Frame is one decoded `data:` payload.
type Frame map[string]any

func (f Frame) Type() string {
	s, _ := f["type"].(string)
	return s
}

func (f Frame) Seq() uint64 {
	switch v := f["seq"].(type) {
	case float64:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint64:
		return v
	}
	return 0
}

// Parse reads frames from r and calls fn for each complete one.
func Parse(r io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	var data []string
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		var frame Frame
		if err := sonic.UnmarshalString(payload, &frame); err != nil {
			return fmt.Errorf("invalid frame %q: %w", payload, err)
		}
		return fn(frame)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
