//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package controlsocket

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Session is one accepted connection: independent and stateless beyond
// the single command it is currently delivering. The ID exists purely
// for this supervisor's own operational log correlation — it never
// crosses the wire.
type Session struct {
	ID uuid.UUID
	Fd int
}

// Accepted wraps a freshly accepted connection fd.
func Accepted(fd int) *Session {
	return &Session{ID: uuid.New(), Fd: fd}
}

// ReadCommand performs one read of up to MaxCommandLen bytes and parses
// it as a single command frame, matching original_source/main.c's
// single-read-per-event model (the control protocol is not a general
// byte stream to be reassembled across reads — one readiness event
// carries at most one command). closed reports a zero-byte read (EOF).
// wouldBlock reports that the read delivered no data at all (EAGAIN/
// EWOULDBLOCK) — the caller must treat this as no command received and
// reply to nothing, never falling through to an INVALID COMMAND reply.
func (s *Session) ReadCommand() (cmd Command, closed bool, wouldBlock bool, err error) {
	buf := make([]byte, MaxCommandLen)
	n, rerr := unix.Read(s.Fd, buf)
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			return CommandInvalid, false, true, nil
		}
		// A hard read error is treated like EOF.
		return CommandInvalid, true, false, nil
	}
	if n == 0 {
		return CommandInvalid, true, false, nil
	}
	return ParseCommand(buf[:n]), false, false, nil
}

// Reply writes buf best-effort; short writes are tolerated.
func (s *Session) Reply(buf []byte) error {
	_, err := unix.Write(s.Fd, buf)
	if err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// Close closes the connection fd.
func (s *Session) Close() error {
	if err := unix.Close(s.Fd); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
