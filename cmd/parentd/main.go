// Command parentd supervises one child process: restart-with-backoff on
// failure, a timestamped log of captured output, and a control socket
// for querying status and requesting restart/stop/resume.
package main

import (
	"os"
	"path/filepath"

	"github.com/edirooss/parentd/internal/controlsocket"
	"github.com/edirooss/parentd/internal/logsink"
	"github.com/edirooss/parentd/internal/reactor"
	"github.com/edirooss/parentd/internal/supervisor"
	"github.com/juju/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	logPath    = "./log.txt"
	socketPath = "/tmp/parent.socket"
	backlog    = 8
)

func main() {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	sink, err := logsink.Open(logPath, logsink.RealClock{})
	if err != nil {
		log.Fatal("open log sink", zap.Error(errors.Annotate(err, "open log sink")))
	}

	r, err := reactor.New()
	if err != nil {
		_ = sink.Close()
		log.Fatal("create reactor", zap.Error(errors.Annotate(err, "create reactor")))
	}

	ln, err := controlsocket.Listen(socketPath, backlog)
	if err != nil {
		_ = r.Close()
		_ = sink.Close()
		log.Fatal("bind control socket", zap.Error(errors.Annotate(err, "bind control socket")))
	}

	sup := supervisor.New(log.Named("supervisor"), r, ln, sink, childArgv(), os.Environ())
	sup.WatchSignals()

	code := sup.Run()

	var shutdownErr error
	if err := ln.Close(); err != nil {
		shutdownErr = multierr.Append(shutdownErr, err)
	}
	if err := r.Close(); err != nil {
		shutdownErr = multierr.Append(shutdownErr, err)
	}
	if err := sink.Close(); err != nil {
		shutdownErr = multierr.Append(shutdownErr, err)
	}
	if shutdownErr != nil {
		log.Error("shutdown teardown", zap.Error(shutdownErr))
	}

	os.Exit(code)
}

// childArgv selects the supervised command: no arguments spawns the
// toggle's success path, any argument spawns its failure path, matching
// original_source/main.c's argc == 1 check.
func childArgv() []string {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	testchild := resolveTestchild(self)
	if len(os.Args) == 1 {
		return []string{testchild}
	}
	return []string{testchild, "fail"}
}

// resolveTestchild looks for the testchild binary next to parentd; falls
// back to PATH lookup so `go install` layouts still work.
func resolveTestchild(parentdPath string) string {
	candidate := filepath.Join(filepath.Dir(parentdPath), "testchild")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return "testchild"
}
