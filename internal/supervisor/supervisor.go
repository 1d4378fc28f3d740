//go:build darwin || dragonfly || freebsd || netbsd || openbsd

// Package supervisor implements the event loop and state machine: the
// single dispatch loop that sequences attempts, handles backoff, reacts
// to control commands, and decides exit.
package supervisor

import (
	"sync/atomic"

	"github.com/edirooss/parentd/internal/childproc"
	"github.com/edirooss/parentd/internal/controlsocket"
	"github.com/edirooss/parentd/internal/logsink"
	"github.com/edirooss/parentd/internal/reactor"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Supervisor drives the reactor and owns the phase/attempt/child/session
// state. All mutation happens on the single goroutine that calls Run —
// no locks guard phase, attempt, or registration bookkeeping. ChildPID
// and sigintReceived are the exceptions: both atomic, ChildPID read by
// the signal-forwarding goroutine (written only at spawn and reap
// points) and sigintReceived set by it.
type Supervisor struct {
	log *zap.Logger
	r   *reactor.Reactor
	ln  *controlsocket.Listener
	sink *logsink.Sink

	argv []string
	env  []string

	phase   PhaseKind
	attempt int
	idle    bool // operator-requested STOP, distinct from the Idle phase tag during a live drain
	child   *childproc.Child

	sessions map[int]*controlsocket.Session

	// ChildPID is read by the SIGINT-forwarding goroutine (see
	// signals.go); written only here, between reap points.
	ChildPID atomic.Int64

	// sigintReceived forces a nonzero exit once the current child (if
	// any) finishes draining.
	sigintReceived atomic.Bool
}

// New wires a Supervisor over an already-created reactor, listener, and
// log sink. argv is the child command vector (the pass/fail toggle is
// resolved by the caller); env is inherited verbatim from the
// supervisor's own environment.
func New(log *zap.Logger, r *reactor.Reactor, ln *controlsocket.Listener, sink *logsink.Sink, argv, env []string) *Supervisor {
	return &Supervisor{
		log:      log,
		r:        r,
		ln:       ln,
		sink:     sink,
		argv:     argv,
		env:      env,
		phase:    PhaseWaitingBackoff,
		sessions: make(map[int]*controlsocket.Session),
	}
}

// RequestSIGINT is called by the signal-forwarding goroutine (or
// directly by a test) to record that the process should exit with
// failure status once the current child, if any, finishes draining. It
// does not itself forward the signal to the child — see signals.go.
func (s *Supervisor) RequestSIGINT() { s.sigintReceived.Store(true) }

// HasLiveChild reports whether a child currently exists (Running or
// Draining). The signal-forwarding goroutine does not call it; it reads
// ChildPID instead.
func (s *Supervisor) HasLiveChild() bool { return s.child != nil }

// Run is the event loop. It returns the process exit code: 0 on
// Succeeded, nonzero on Exhausted, fatal setup error, or a forwarded
// fatal signal.
func (s *Supervisor) Run() int {
	if err := s.r.Register(s.ln.Fd(), reactor.SourceKind{Tag: reactor.KindServerAccept}); err != nil {
		s.log.Error("register control listener", zap.Error(err))
		return 1
	}
	if err := s.r.ArmTimer(Delay(0)); err != nil {
		s.log.Error("arm initial backoff timer", zap.Error(err))
		return 1
	}

	for {
		ev, err := s.r.WaitOne()
		if err != nil {
			if reactor.ErrClosed(err) {
				if s.sigintReceived.Load() {
					return 1
				}
				s.log.Error("reactor closed unexpectedly")
				return 1
			}
			s.log.Error("reactor wait", zap.Error(err))
			return 1
		}

		if done, code := s.dispatch(ev.Kind); done {
			return code
		}
	}
}

func (s *Supervisor) dispatch(kind reactor.SourceKind) (done bool, code int) {
	switch kind.Tag {
	case reactor.KindServerAccept:
		s.handleAccept()
	case reactor.KindClientData:
		s.handleClientData(kind.Ident)
	case reactor.KindBackoffTimer:
		if s.phase == PhaseWaitingBackoff {
			return s.spawnAndAttach()
		}
	case reactor.KindChildStdout:
		return s.handleChildReadable(kind.Ident, logsink.LabelStdout, true)
	case reactor.KindChildStderr:
		return s.handleChildReadable(kind.Ident, logsink.LabelStderr, false)
	}
	return false, 0
}

func (s *Supervisor) handleAccept() {
	fd, err := s.ln.Accept()
	if err != nil {
		// Accept errors are logged and ignored; the listener remains
		// usable.
		s.log.Warn("accept", zap.Error(err))
		return
	}
	sess := controlsocket.Accepted(fd)
	s.sessions[fd] = sess
	if err := s.r.Register(fd, reactor.SourceKind{Tag: reactor.KindClientData}); err != nil {
		s.log.Error("register client session", zap.Error(err))
		_ = sess.Close()
		delete(s.sessions, fd)
		return
	}
	s.log.Debug("client connected", zap.String("session", sess.ID.String()))
}

func (s *Supervisor) handleClientData(fd int) {
	sess, ok := s.sessions[fd]
	if !ok {
		return
	}
	cmd, closed, wouldBlock, err := sess.ReadCommand()
	if err != nil {
		s.log.Warn("client read", zap.String("session", sess.ID.String()), zap.Error(err))
	}
	if closed {
		_ = s.r.Unregister(fd)
		_ = sess.Close()
		delete(s.sessions, fd)
		s.log.Debug("client disconnected", zap.String("session", sess.ID.String()))
		return
	}
	if wouldBlock {
		// No command was actually received on this readiness event —
		// nothing to dispatch, and nothing to reply to.
		return
	}

	switch cmd {
	case controlsocket.CommandGetStatus:
		s.replyStatus(sess)
	case controlsocket.CommandRestart:
		s.log.Info("RESTART received", zap.String("session", sess.ID.String()))
		s.handleRestart()
	case controlsocket.CommandStop:
		s.log.Info("STOP received", zap.String("session", sess.ID.String()))
		s.handleStop()
	case controlsocket.CommandResume:
		s.log.Info("RESUME received", zap.String("session", sess.ID.String()))
		s.handleResume()
	default:
		if err := sess.Reply(controlsocket.ReplyInvalid()); err != nil {
			s.log.Warn("reply invalid command", zap.Error(err))
		}
	}
}

// replyStatus answers GET_STATUS: RUNNING|PID whenever a child exists
// (Running or Draining), IDLE otherwise (WaitingBackoff or Idle) —
// matching original_source/main.c, whose outer backoff-wait loop always
// replies IDLE and whose inner reap-wait loop always replies RUNNING,
// regardless of the separate idle flag.
func (s *Supervisor) replyStatus(sess *controlsocket.Session) {
	var reply []byte
	if s.child != nil {
		reply = controlsocket.ReplyRunning(s.child.Pid())
	} else {
		reply = controlsocket.ReplyIdle()
	}
	if err := sess.Reply(reply); err != nil {
		s.log.Warn("reply status", zap.Error(err))
	}
}

// handleRestart resets the attempt counter to 0; if a child is live, it
// terminates it and lets the normal drain/reap path land back on
// WaitingBackoff(delay(0)), otherwise it applies the reset directly.
func (s *Supervisor) handleRestart() {
	if s.child != nil {
		s.attempt = -1 // onChildReaped's attempt++ lands this at 0
		s.idle = false
		if err := s.child.Terminate(unix.SIGTERM); err != nil {
			s.log.Warn("terminate child for restart", zap.Error(err))
		}
		s.phase = PhaseDraining
		return
	}
	s.attempt = 0
	s.idle = false
	s.phase = PhaseWaitingBackoff
	_ = s.r.DisarmTimer()
	if err := s.r.ArmTimer(Delay(s.attempt)); err != nil {
		s.log.Error("arm timer on restart", zap.Error(err))
	}
}

// handleStop enters Idle; if a child is live, it terminates it and
// decrements the attempt counter so the interrupted attempt is retried
// on RESUME. The decrement is unconditional, mirroring handleRestart's
// unconditional s.attempt = -1: onChildReaped's attempt++ (supervisor.go)
// always fires on the ensuing reap, so a floored decrement at attempt 0
// would let that increment land on 1 instead of back on 0, silently
// consuming one of the allowed attempts on every STOP/RESUME cycle.
func (s *Supervisor) handleStop() {
	if s.child != nil {
		s.attempt-- // onChildReaped's attempt++ lands this back where it was
		s.idle = true
		if err := s.child.Terminate(unix.SIGTERM); err != nil {
			s.log.Warn("terminate child for stop", zap.Error(err))
		}
		s.phase = PhaseDraining
		return
	}
	s.idle = true
	s.phase = PhaseIdle
	_ = s.r.DisarmTimer()
}

// handleResume clears Idle and transitions to WaitingBackoff(delay(i)).
func (s *Supervisor) handleResume() {
	if !s.idle {
		return
	}
	s.idle = false
	s.phase = PhaseWaitingBackoff
	if err := s.r.ArmTimer(Delay(s.attempt)); err != nil {
		s.log.Error("arm timer on resume", zap.Error(err))
	}
}

// spawnAndAttach is the BackoffTimer handler's spawn-and-attach step.
func (s *Supervisor) spawnAndAttach() (done bool, code int) {
	s.log.Info("spawning process", zap.Int("attempt", s.attempt))

	child, err := childproc.Spawn(s.argv, s.env)
	if err != nil {
		s.log.Error("spawn failed", zap.Error(err))
		return s.onChildReaped(false)
	}

	s.child = child
	s.ChildPID.Store(int64(child.Pid()))
	s.phase = PhaseRunning

	if err := s.r.Register(child.StdoutFd, reactor.SourceKind{Tag: reactor.KindChildStdout}); err != nil {
		s.log.Error("register child stdout", zap.Error(err))
	}
	if err := s.r.Register(child.StderrFd, reactor.SourceKind{Tag: reactor.KindChildStderr}); err != nil {
		s.log.Error("register child stderr", zap.Error(err))
	}

	s.log.Info("process started", zap.Int("pid", child.Pid()))
	return false, 0
}

// handleChildReadable reads a child pipe until EWOULDBLOCK, logging each
// chunk. On EOF it unregisters and closes the stream and, once both
// streams are closed, reaps the child.
func (s *Supervisor) handleChildReadable(fd int, label logsink.Label, isStdout bool) (done bool, code int) {
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false, 0
			}
			// A hard read error is treated like EOF.
			return s.closeStream(fd, isStdout)
		}
		if n == 0 {
			return s.closeStream(fd, isStdout)
		}
		if err := s.sink.Record(label, buf[:n]); err != nil {
			s.log.Error("log record", zap.Error(err))
		}
	}
}

func (s *Supervisor) closeStream(fd int, isStdout bool) (done bool, code int) {
	if err := s.r.Unregister(fd); err != nil {
		s.log.Warn("unregister child stream", zap.Error(err))
	}
	if isStdout {
		if err := s.child.CloseStdout(); err != nil {
			s.log.Warn("close child stdout", zap.Error(err))
		}
	} else {
		if err := s.child.CloseStderr(); err != nil {
			s.log.Warn("close child stderr", zap.Error(err))
		}
	}
	s.child.OpenStreams--
	if s.child.OpenStreams > 0 {
		return false, 0
	}
	return s.reapChild()
}

func (s *Supervisor) reapChild() (done bool, code int) {
	ok, err := s.child.Reap()
	if err != nil {
		s.log.Error("reap child", zap.Error(err))
	}
	s.ChildPID.Store(0)
	wasDraining := s.phase == PhaseDraining
	s.child = nil

	if wasDraining {
		// Operator-initiated termination (RESTART/STOP): never treated
		// as success, and i was already pre-adjusted by the command
		// handler — see handleRestart/handleStop.
		return s.onChildReaped(false)
	}
	return s.onChildReaped(ok)
}

// onChildReaped is the shared post-reap transition: success terminates
// the loop; failure consumes an attempt and either exhausts, goes Idle
// (if an operator STOP is pending), or re-arms the backoff timer.
func (s *Supervisor) onChildReaped(ok bool) (done bool, code int) {
	if s.sigintReceived.Load() {
		s.flushOnExit()
		s.phase = PhaseExhausted
		return true, 1
	}

	if ok {
		s.flushOnExit()
		s.phase = PhaseSucceeded
		return true, 0
	}

	s.attempt++
	if s.attempt >= MaxAttempts {
		s.flushOnExit()
		s.phase = PhaseExhausted
		return true, 1
	}

	if s.idle {
		s.phase = PhaseIdle
		_ = s.r.DisarmTimer()
		return false, 0
	}

	s.phase = PhaseWaitingBackoff
	if err := s.r.ArmTimer(Delay(s.attempt)); err != nil {
		s.log.Error("arm backoff timer", zap.Error(err))
	}
	return false, 0
}

func (s *Supervisor) flushOnExit() {
	if err := s.sink.Flush(); err != nil {
		s.log.Error("flush log on exit", zap.Error(err))
	}
}
