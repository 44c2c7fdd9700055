package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/companyzero/arlekin/internal/assert"
	"github.com/decred/slog"
)

func TestLogBackendLevels(t *testing.T) {
	var out bytes.Buffer
	bknd, err := newLogBackend("", "warn,KMGR=debug", &out)
	assert.NilErr(t, err)

	assert.DeepEqual(t, bknd.logger("KMGR").Level(), slog.LevelDebug)
	assert.DeepEqual(t, bknd.logger("SESS").Level(), slog.LevelWarn)

	// Loggers are reused.
	l := bknd.logger("KMGR")
	l.SetLevel(slog.LevelError)
	assert.DeepEqual(t, bknd.logger("KMGR").Level(), slog.LevelError)

	bknd.logger("SESS").Warnf("disk %s", "full")
	if !strings.Contains(out.String(), "[WRN] SESS: disk full") {
		t.Fatalf("unexpected log output %q", out.String())
	}
}

func TestLogBackendFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "arlekinctl.log")
	bknd, err := newLogBackend(logFile, "info", nil)
	assert.NilErr(t, err)
	bknd.logger("CTL").Infof("hello")
	bknd.close()

	b, err := os.ReadFile(logFile)
	assert.NilErr(t, err)
	if !strings.Contains(string(b), "CTL: hello") {
		t.Fatalf("unexpected log file contents %q", b)
	}
}

func TestParseDebugLevel(t *testing.T) {
	dl, err := parseDebugLevel(" kmgr=trace, warn,,APIC=error,")
	assert.NilErr(t, err)
	assert.DeepEqual(t, dl.level("KMGR"), slog.LevelTrace)
	assert.DeepEqual(t, dl.level("APIC"), slog.LevelError)
	assert.DeepEqual(t, dl.level("SESS"), slog.LevelWarn)

	dl, err = parseDebugLevel("")
	assert.NilErr(t, err)
	assert.DeepEqual(t, dl.level("CTL"), slog.LevelInfo)
}

func TestLogBackendInvalidLevel(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"loud", "invalid debug level"},
		{"KMGR=loud", "invalid debug level"},
		{"PEER=debug", "unknown log subsystem"},
		{"a=b=c", "unknown log subsystem"},
		{"KMGR=debug,kmgr=info", "set twice"},
	}
	for _, tc := range tests {
		_, err := newLogBackend("", tc.level, nil)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%q: unexpected error: got %v, want %q", tc.level,
				err, tc.want)
		}
	}
}
