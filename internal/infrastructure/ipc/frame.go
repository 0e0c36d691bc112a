// Package ipc implements the line-delimited JSON channel between the supervisor
// and its worker processes. Each frame is a single JSON object terminated by '\n'.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/botfleet/botfleet/internal/domain/worker"
)

// Kind is the frame discriminator.
type Kind string

const (
	KindOnline  Kind = "online"  // child -> supervisor, once, after the channel is ready
	KindMessage Kind = "message" // both directions
)

// MaxFrameSize bounds a single encoded frame.
const MaxFrameSize = 4 << 20

var ErrUnknownFrame = errors.New("unknown ipc frame kind")

// DecodeError reports a line that could not be turned into a frame. The stream
// itself is still usable.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode ipc frame: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Frame is the envelope for everything sent over the channel.
type Frame struct {
	Kind    Kind            `json:"kind"`
	Message *worker.Message `json:"message,omitempty"`
}

// OnlineFrame announces that the worker is ready.
func OnlineFrame() Frame {
	return Frame{Kind: KindOnline}
}

// MessageFrame wraps a routed message.
func MessageFrame(msg worker.Message) Frame {
	m := msg
	return Frame{Kind: KindMessage, Message: &m}
}

// Validate checks that the frame kind is known and carries what it needs.
func (f Frame) Validate() error {
	switch f.Kind {
	case KindOnline:
		return nil
	case KindMessage:
		if f.Message == nil {
			return errors.New("message frame without message")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrame, string(f.Kind))
	}
}

// Encode renders a frame as one JSON line.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	line, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// Decode parses one JSON line.
func Decode(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, err
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Writer serializes frames onto an io.Writer. Safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes one frame.
func (w *Writer) Write(f Frame) error {
	line, err := Encode(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(line)
	return err
}

// Reader yields frames from an io.Reader.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Reader{scanner: sc}
}

// Next returns the next frame. It returns io.EOF when the stream ends. A
// malformed line yields a *DecodeError; the caller may keep reading.
func (r *Reader) Next() (Frame, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := Decode(line)
		if err != nil {
			return Frame{}, &DecodeError{Err: err}
		}
		return f, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}
