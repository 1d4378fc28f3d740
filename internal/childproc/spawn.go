//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package childproc

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// rssCapBytes is the best-effort resident-set/address-space cap applied
// to the child. Advisory on kernels that don't enforce RLIMIT_AS
// strictly against RSS; skipped entirely (not an error) where the
// underlying rlimit call itself fails.
const rssCapBytes = 512 * 1024 * 1024 // 512MiB

// Spawn creates the stdout/stderr pipes, forks+execs argv with those
// pipes redirected onto fds 1 and 2, and sets the parent's read-ends
// non-blocking:
//
//  1. create two pipes (stdout, stderr)
//  2. start the child via exec.Cmd, which dups the write-ends onto 1/2
//     and execs
//  3. in the parent: close both write-ends and set the read-ends to
//     non-blocking
//  4. apply the memory cap from the parent with Prlimit against the
//     child's pid; the cap is not in place before exec, so the child
//     runs uncapped for the short window until Prlimit returns
//  5. return the read-ends plus process identity
//
// Unlike exec.Cmd.StdoutPipe() (an os.Pipe() under the hood but not
// exposed as a raw fd), this uses os.Pipe() directly so the read-ends
// can be registered with the kqueue reactor by fd.
func Spawn(argv []string, env []string) (*Child, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("spawn: empty argv")
	}

	outRead, outWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errRead, errWrite, err := os.Pipe()
	if err != nil {
		outRead.Close()
		outWrite.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdout = outWrite
	cmd.Stderr = errWrite
	// Setpgid isolates the child into its own process group so a
	// termination signal can be delivered to the whole group (teacher:
	// internal/infrastructure/processmgr/process.go's newProcess).
	// Pdeathsig has the kernel send the child SIGKILL if this supervisor
	// dies, so it is not left running as an orphan (same source).
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	// The stdlib exec package gives no pre-exec hook for rlimits, so the
	// cap is applied via Prlimit against the child's pid right after
	// Start returns (applyMemoryCap below) instead of between fork and
	// exec.
	if err := cmd.Start(); err != nil {
		outRead.Close()
		outWrite.Close()
		errRead.Close()
		errWrite.Close()
		return nil, fmt.Errorf("start: %w", err)
	}

	// Parent closes the write-ends; the child holds the only remaining
	// references via fds 1/2.
	outWrite.Close()
	errWrite.Close()

	// Fd() forces the file back into blocking mode as a side effect, so
	// it's called exactly once here and the resulting int is what every
	// later read and reactor registration uses — never .Fd() again.
	outFd := int(outRead.Fd())
	errFd := int(errRead.Fd())

	if err := unix.SetNonblock(outFd, true); err != nil {
		killAndRelease(cmd, outRead, errRead)
		return nil, fmt.Errorf("set stdout non-blocking: %w", err)
	}
	if err := unix.SetNonblock(errFd, true); err != nil {
		killAndRelease(cmd, outRead, errRead)
		return nil, fmt.Errorf("set stderr non-blocking: %w", err)
	}

	applyMemoryCap(cmd.Process.Pid)

	return &Child{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		stdoutFile:  outRead,
		stderrFile:  errRead,
		StdoutFd:    outFd,
		StderrFd:    errFd,
		OpenStreams: 2,
	}, nil
}

// applyMemoryCap best-effort caps the child's address space. Errors are
// swallowed: this is skipped outright on systems where the resource
// limit is unsupported.
func applyMemoryCap(pid int) {
	_ = unix.Prlimit(pid, unix.RLIMIT_AS, &unix.Rlimit{
		Cur: rssCapBytes,
		Max: rssCapBytes,
	}, nil)
}

func killAndRelease(cmd *exec.Cmd, fds ...*os.File) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}
	for _, f := range fds {
		_ = f.Close()
	}
}
