// Package logsink implements the append-only, timestamped, leveled log
// of captured child output. Its write contract is a wire format other
// tooling depends on — exact spacing preserved for tool compatibility —
// and is intentionally kept separate from the supervisor's own
// zap-structured operational logging.
package logsink

import (
	"bufio"
	"fmt"
	"os"
)

// Label identifies which child stream a record came from. The exact
// spacing is part of the wire format and must not be reformatted.
type Label string

const (
	LabelStdout Label = " [INFO]   "
	LabelStderr Label = " [ERROR]  "
)

// Sink is the single-writer, append-only log file. It is not safe for
// concurrent use — the supervisor loop is the only writer, so no
// locking is needed here.
type Sink struct {
	f     *os.File
	w     *bufio.Writer
	clock Clock
}

// Open truncates and opens path for writing, buffering writes through a
// bufio.Writer.
func Open(path string, clock Clock) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Sink{f: f, w: bufio.NewWriter(f), clock: clock}, nil
}

// Record emits exactly one record for a captured read chunk: the
// timestamp, the stream label, then the payload bytes verbatim —
// including any embedded newlines, with no translation. One call to
// Record corresponds to exactly one kernel read; records across the two
// streams may interleave only at read-chunk boundaries.
func (s *Sink) Record(label Label, payload []byte) error {
	if _, err := s.w.WriteString(Timestamp(s.clock.Now())); err != nil {
		return err
	}
	if _, err := s.w.WriteString(string(label)); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	return nil
}

// Flush pushes buffered bytes to the underlying file. Must be called on
// every exit path that reports success or exhaustion.
func (s *Sink) Flush() error {
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return fmt.Errorf("flush log file: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}
