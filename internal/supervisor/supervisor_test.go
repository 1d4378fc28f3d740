//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package supervisor

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edirooss/parentd/internal/controlsocket"
	"github.com/edirooss/parentd/internal/logsink"
	"github.com/edirooss/parentd/internal/reactor"
	"go.uber.org/zap/zaptest"
)

func newTestSupervisor(t *testing.T, argv []string) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "parent.socket")
	logPath := filepath.Join(dir, "log.txt")

	sink, err := logsink.Open(logPath, logsink.RealClock{})
	if err != nil {
		t.Fatalf("open log sink: %v", err)
	}
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("create reactor: %v", err)
	}
	ln, err := controlsocket.Listen(sockPath, 8)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		_ = r.Close()
		_ = ln.Close()
		_ = sink.Close()
	})

	sup := New(zaptest.NewLogger(t), r, ln, sink, argv, nil)
	return sup, sockPath
}

func runWithTimeout(t *testing.T, sup *Supervisor, timeout time.Duration) int {
	t.Helper()
	ch := make(chan int, 1)
	go func() { ch <- sup.Run() }()
	select {
	case code := <-ch:
		return code
	case <-time.After(timeout):
		t.Fatalf("Run did not return within %v", timeout)
		return -1
	}
}

func mustDial(t *testing.T, path string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", path, lastErr)
	return nil
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func readReply(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, controlsocket.ReplyFrameLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return string(bytes.TrimRight(buf, "\x00"))
}

func waitForReply(t *testing.T, conn net.Conn, timeout time.Duration, pred func(string) bool) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sendLine(t, conn, "GET_STATUS")
		reply := readReply(t, conn)
		if pred(reply) {
			return reply
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
	return ""
}

func parsePID(t *testing.T, reply string) int {
	t.Helper()
	var pid int
	if _, err := fmt.Sscanf(reply, "RUNNING | PID %d\n", &pid); err != nil {
		t.Fatalf("parse pid from %q: %v", reply, err)
	}
	return pid
}

// S1: immediate success.
func TestSupervisorImmediateSuccess(t *testing.T) {
	sup, _ := newTestSupervisor(t, []string{"/bin/sh", "-c", "exit 0"})
	if code := runWithTimeout(t, sup, 3*time.Second); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

// S2: exhaustion, exercising the full documented delay schedule
// (0,0,0,0,0,0,0,2,6,19 seconds — about 27s of real time).
func TestSupervisorExhaustion(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the full ~27s backoff schedule")
	}
	sup, _ := newTestSupervisor(t, []string{"/bin/sh", "-c", "exit 1"})
	if code := runWithTimeout(t, sup, 40*time.Second); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

// S3: GET_STATUS while an attempt is running.
func TestSupervisorGetStatusWhileRunning(t *testing.T) {
	sup, sockPath := newTestSupervisor(t, []string{"/bin/sh", "-c", "sleep 1"})
	ch := make(chan int, 1)
	go func() { ch <- sup.Run() }()

	conn := mustDial(t, sockPath)
	defer conn.Close()

	waitForReply(t, conn, 2*time.Second, func(reply string) bool {
		return strings.HasPrefix(reply, "RUNNING | PID ")
	})

	select {
	case code := <-ch:
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after child exit")
	}
}

// S4: STOP suspends the current attempt; RESUME restarts it.
func TestSupervisorStopResume(t *testing.T) {
	sup, sockPath := newTestSupervisor(t, []string{"/bin/sh", "-c", "sleep 5"})
	ch := make(chan int, 1)
	go func() { ch <- sup.Run() }()

	conn := mustDial(t, sockPath)
	defer conn.Close()

	waitForReply(t, conn, 2*time.Second, func(reply string) bool {
		return strings.HasPrefix(reply, "RUNNING | PID ")
	})

	sendLine(t, conn, "STOP")
	waitForReply(t, conn, 2*time.Second, func(reply string) bool {
		return reply == "IDLE\n"
	})

	sendLine(t, conn, "RESUME")
	waitForReply(t, conn, 2*time.Second, func(reply string) bool {
		return strings.HasPrefix(reply, "RUNNING | PID ")
	})

	sup.RequestSIGINT()
	sendLine(t, conn, "STOP")

	select {
	case code := <-ch:
		if code != 1 {
			t.Fatalf("exit code = %d, want 1", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after forced signal")
	}
}

// S5: RESTART terminates the live child and respawns with a new pid
// almost immediately (delay(0) == 0).
func TestSupervisorRestartRespawnsImmediately(t *testing.T) {
	sup, sockPath := newTestSupervisor(t, []string{"/bin/sh", "-c", "sleep 5"})
	ch := make(chan int, 1)
	go func() { ch <- sup.Run() }()

	conn := mustDial(t, sockPath)
	defer conn.Close()

	firstReply := waitForReply(t, conn, 2*time.Second, func(reply string) bool {
		return strings.HasPrefix(reply, "RUNNING | PID ")
	})
	first := parsePID(t, firstReply)

	sendLine(t, conn, "RESTART")

	secondReply := waitForReply(t, conn, 2*time.Second, func(reply string) bool {
		return strings.HasPrefix(reply, "RUNNING | PID ") && parsePID(t, reply) != first
	})
	second := parsePID(t, secondReply)
	if second == first {
		t.Fatalf("expected a new pid after RESTART, got the same pid %d", first)
	}

	sup.RequestSIGINT()
	sendLine(t, conn, "STOP")

	select {
	case code := <-ch:
		if code != 1 {
			t.Fatalf("exit code = %d, want 1", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after forced signal")
	}
}

// S6: an unrecognized command gets INVALID COMMAND and the supervisor
// keeps running unaffected.
func TestSupervisorInvalidCommand(t *testing.T) {
	sup, sockPath := newTestSupervisor(t, []string{"/bin/sh", "-c", "sleep 1"})
	ch := make(chan int, 1)
	go func() { ch <- sup.Run() }()

	conn := mustDial(t, sockPath)
	defer conn.Close()

	sendLine(t, conn, "BOGUS")
	if reply := readReply(t, conn); reply != "INVALID COMMAND\n" {
		t.Fatalf("reply = %q, want %q", reply, "INVALID COMMAND\n")
	}

	select {
	case code := <-ch:
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after child exit")
	}
}
