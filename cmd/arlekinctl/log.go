package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// subsystems are the loggers created by the command and the session it
// drives, in the order they are listed in errors.
var subsystems = []string{"SESS", "VALT", "KMGR", "APIC", "CTL"}

func knownSubsystem(subsys string) bool {
	for _, s := range subsystems {
		if s == subsys {
			return true
		}
	}
	return false
}

// debugLevels is a parsed debuglevel setting.
type debugLevels struct {
	def    slog.Level
	subsys map[string]slog.Level
}

func (dl *debugLevels) level(subsys string) slog.Level {
	if level, ok := dl.subsys[subsys]; ok {
		return level
	}
	return dl.def
}

// parseDebugLevel parses a comma separated list of entries that are either a
// level, which becomes the default, or SUBSYS=level. Subsystems must be one
// of subsystems and may only be set once.
func parseDebugLevel(s string) (*debugLevels, error) {
	dl := &debugLevels{def: slog.LevelInfo, subsys: make(map[string]slog.Level)}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		subsys, lvl, hasSubsys := strings.Cut(entry, "=")
		if !hasSubsys {
			level, ok := slog.LevelFromString(entry)
			if !ok {
				return nil, fmt.Errorf("invalid debug level %q", entry)
			}
			dl.def = level
			continue
		}

		subsys = strings.ToUpper(strings.TrimSpace(subsys))
		if !knownSubsystem(subsys) {
			return nil, fmt.Errorf("unknown log subsystem %q (known: %s)",
				subsys, strings.Join(subsystems, ", "))
		}
		if _, dup := dl.subsys[subsys]; dup {
			return nil, fmt.Errorf("debug level of %s set twice", subsys)
		}
		level, ok := slog.LevelFromString(strings.TrimSpace(lvl))
		if !ok {
			return nil, fmt.Errorf("invalid debug level %q for %s", lvl, subsys)
		}
		dl.subsys[subsys] = level
	}
	return dl, nil
}

type logBackend struct {
	stdOut     io.Writer
	logRotator *rotator.Rotator
	bknd       *slog.Backend
	levels     *debugLevels

	mtx     sync.Mutex
	loggers map[string]slog.Logger
}

func newLogBackend(logFile, debugLevel string, stdOut io.Writer) (*logBackend, error) {
	levels, err := parseDebugLevel(debugLevel)
	if err != nil {
		return nil, err
	}

	var logRotator *rotator.Rotator
	if logFile != "" {
		logDir, _ := filepath.Split(logFile)
		err := os.MkdirAll(logDir, 0700)
		if err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
		logRotator, err = rotator.New(logFile, 1024, false, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %v", err)
		}
	}

	b := &logBackend{
		stdOut:     stdOut,
		logRotator: logRotator,
		levels:     levels,
		loggers:    make(map[string]slog.Logger),
	}
	b.bknd = slog.NewBackend(b)
	return b, nil
}

func (bknd *logBackend) Write(b []byte) (int, error) {
	if bknd.stdOut != nil {
		bknd.stdOut.Write(b)
	}
	if bknd.logRotator != nil {
		bknd.logRotator.Write(b)
	}

	return len(b), nil
}

func (bknd *logBackend) logger(subsys string) slog.Logger {
	bknd.mtx.Lock()
	defer bknd.mtx.Unlock()
	if l, ok := bknd.loggers[subsys]; ok {
		return l
	}

	l := bknd.bknd.Logger(subsys)
	l.SetLevel(bknd.levels.level(subsys))
	bknd.loggers[subsys] = l
	return l
}

func (bknd *logBackend) close() {
	if bknd.logRotator != nil {
		bknd.logRotator.Close()
	}
}
