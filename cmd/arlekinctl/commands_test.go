package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/companyzero/arlekin/dmcrypto"
	"github.com/companyzero/arlekin/internal/assert"
	"github.com/companyzero/arlekin/internal/testserver"
	"github.com/companyzero/arlekin/internal/testutils"
	"github.com/companyzero/arlekin/rpc"
	"github.com/prometheus/client_golang/prometheus"
)

type testApp struct {
	t        *testing.T
	srv      *testserver.Server
	settings *Settings
	password string
}

func newTestApp(t *testing.T, srv *testserver.Server, token string) *testApp {
	s := defaultSettings()
	s.ServerURL = srv.URL()
	s.Token = token
	s.StateDir = t.TempDir()
	s.RSABits = dmcrypto.MinRSABits
	s.MaxAttempts = 2
	assert.NilErr(t, s.expandAndCheck())
	return &testApp{t: t, srv: srv, settings: s, password: "password"}
}

// run runs a single command as a new process would.
func (app *testApp) run(args ...string) (string, error) {
	t := app.t
	t.Helper()
	reg := prometheus.NewRegistry()
	logger := testutils.TestLoggerBackend(t, app.settings.Token)
	sess, err := newSession(app.settings, logger, reg)
	assert.NilErr(t, err)
	defer sess.Teardown()

	var out bytes.Buffer
	env := &cmdEnv{
		settings: app.settings,
		sess:     sess,
		reg:      reg,
		out:      &out,
		log:      logger("CTL"),
		readPassword: func() ([]byte, error) {
			return []byte(app.password), nil
		},
	}
	err = runCommand(context.Background(), env, args)
	return out.String(), err
}

func (app *testApp) mustRun(args ...string) string {
	app.t.Helper()
	out, err := app.run(args...)
	assert.NilErr(app.t, err)
	return out
}

func TestCommands(t *testing.T) {
	srv := testserver.New(testserver.Config{})
	t.Cleanup(srv.Close)
	alice, bob := srv.AddUser("alice"), srv.AddUser("bob")
	ch := srv.AddChannel(alice, bob)
	chArg := ch.String()

	aliceApp := newTestApp(t, srv, "alice")
	bobApp := newTestApp(t, srv, "bob")

	_, err := aliceApp.run("send", chArg, "hi")
	assert.ErrorIs(t, err, errNotUnlocked)

	out := aliceApp.mustRun("unlock", "-salt", "42")
	assert.DeepEqual(t, out, "Session unlocked\n")
	bobApp.mustRun("unlock", "-salt", "43")

	bobApp.mustRun("send", chArg, "hello", "alice")
	out = aliceApp.mustRun("send", chArg, "hello", "bob")
	msgs := srv.Messages(ch)
	assert.DeepEqual(t, len(msgs), 2)
	assert.DeepEqual(t, out, fmt.Sprintf("Sent message %d\n", msgs[1].DirectMessageID))

	// Alice was not a recipient of bob's first key.
	out = aliceApp.mustRun("history", chArg)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.DeepEqual(t, len(lines), 2)
	if !strings.HasSuffix(lines[0], "<encryptionUnableToRead>") {
		t.Fatalf("unexpected line %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], ": hello bob") {
		t.Fatalf("unexpected line %q", lines[1])
	}

	out = bobApp.mustRun("history", chArg)
	if !strings.Contains(out, ": hello alice\n") || !strings.Contains(out, ": hello bob\n") {
		t.Fatalf("unexpected history %q", out)
	}

	// Paging.
	out = bobApp.mustRun("history", chArg, msgs[1].DirectMessageID.String())
	assert.DeepEqual(t, strings.Count(out, "\n"), 1)

	out = bobApp.mustRun("rotate", chArg)
	keyIDs := srv.KeyIDs(ch)
	assert.DeepEqual(t, out, fmt.Sprintf("Rotated to key %d\n", keyIDs[len(keyIDs)-1]))

	bobApp.mustRun("ack", chArg, msgs[1].DirectMessageID.String())
	assert.DeepEqual(t, srv.LastRead(ch, bob), msgs[1].DirectMessageID)

	out = aliceApp.mustRun("logout")
	assert.DeepEqual(t, out, "Logged out\n")
	_, err = aliceApp.run("history", chArg)
	assert.ErrorIs(t, err, errNotUnlocked)
}

// TestRunQueuedRotation asserts the run command rotates the keys the server
// asked to replace while an earlier send command ran.
func TestRunQueuedRotation(t *testing.T) {
	srv := testserver.New(testserver.Config{RotateAfter: 1})
	t.Cleanup(srv.Close)
	alice, bob := srv.AddUser("alice"), srv.AddUser("bob")
	ch := srv.AddChannel(alice, bob)
	app := newTestApp(t, srv, "alice")
	app.mustRun("unlock")

	out := app.mustRun("send", ch.String(), "hi")
	if !strings.Contains(out, "queued for rotation") {
		t.Fatalf("unexpected output %q", out)
	}
	assert.DeepEqual(t, len(srv.KeyIDs(ch)), 1)

	out = app.mustRun("run", "-once")
	assert.DeepEqual(t, out, "Performed 1 queued rotations\n")
	assert.DeepEqual(t, len(srv.KeyIDs(ch)), 2)

	out = app.mustRun("run", "-once")
	assert.DeepEqual(t, out, "Performed 0 queued rotations\n")
}

func TestCommandErrors(t *testing.T) {
	srv := testserver.New(testserver.Config{})
	t.Cleanup(srv.Close)
	srv.AddUser("alice")
	app := newTestApp(t, srv, "alice")

	_, err := app.run("bogus")
	assert.NonNilErr(t, err)
	_, err = app.run("send", "1")
	assert.NonNilErr(t, err)
	_, err = app.run("ack", "x", "1")
	assert.NonNilErr(t, err)

	app.password = ""
	_, err = app.run("unlock")
	assert.NonNilErr(t, err)
}

func TestFormatMessage(t *testing.T) {
	srv := testserver.New(testserver.Config{})
	t.Cleanup(srv.Close)
	alice := srv.AddUser("alice")
	ch := srv.AddChannel(alice)
	app := newTestApp(t, srv, "alice")
	app.mustRun("unlock")

	srv.InjectMessage(ch, rpc.Message{AuthorUserID: alice, Edited: true})
	out := app.mustRun("history", ch.String())
	if !strings.Contains(out, "(edited): <encryptionUnableToRead>") {
		t.Fatalf("unexpected history %q", out)
	}
}
