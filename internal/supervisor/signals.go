//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package supervisor

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// WatchSignals forwards SIGINT to the live child's process group, then
// marks the supervisor for a failing exit once that child finishes
// draining. If no child is live when the signal arrives, there's
// nothing to wait on, so the reactor is closed directly to unblock Run.
//
// This runs on its own goroutine and touches only ChildPID and
// sigintReceived (both atomic) and the reactor's Close (safe to call
// from any goroutine); it never
// mutates phase, attempt, or session state directly, preserving Run's
// single-goroutine ownership of those fields.
func (s *Supervisor) WatchSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go func() {
		<-ch
		s.RequestSIGINT()
		if pid := s.ChildPID.Load(); pid != 0 {
			_ = unix.Kill(-int(pid), unix.SIGINT)
			return
		}
		_ = s.r.Close()
	}()
}
