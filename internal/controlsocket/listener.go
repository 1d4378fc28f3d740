//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package controlsocket

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Listener owns the bound, listening control socket at a well-known
// filesystem path. It's built directly on golang.org/x/sys/unix rather
// than net.Listen("unix", ...) so the raw listening fd can be
// registered with the reactor — net.Listener hides its fd behind
// SyscallConn, which the single-dispatch reactor model this repo uses
// has no need for.
type Listener struct {
	fd   int
	path string
}

// Listen removes any stale socket file at path, binds a stream Unix
// socket, and starts listening with the given backlog.
func Listen(path string, backlog int) (*Listener, error) {
	_ = os.Remove(path) // stale file from a prior crashed run; ignore ENOENT

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set listener non-blocking: %w", err)
	}

	return &Listener{fd: fd, path: path}, nil
}

// Fd is the raw listening fd, for reactor registration as ServerAccept.
func (l *Listener) Fd() int { return l.fd }

// Accept accepts one pending connection and sets it non-blocking.
// Accept errors are logged and ignored by the caller — the listener
// itself remains usable.
func (l *Listener) Accept() (int, error) {
	connFd, _, err := unix.Accept(l.fd)
	if err != nil {
		return -1, fmt.Errorf("accept: %w", err)
	}
	if err := unix.SetNonblock(connFd, true); err != nil {
		unix.Close(connFd)
		return -1, fmt.Errorf("set conn non-blocking: %w", err)
	}
	return connFd, nil
}

// Close closes the listening fd and unlinks the socket path.
func (l *Listener) Close() error {
	if err := unix.Close(l.fd); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink %s: %w", l.path, err)
	}
	return nil
}
