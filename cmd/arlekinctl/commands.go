package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/companyzero/arlekin/rpc"
	"github.com/companyzero/arlekin/session"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var errNotUnlocked = errors.New("session is locked: run the unlock command first")

type cmdEnv struct {
	settings     *Settings
	sess         *session.Session
	reg          *prometheus.Registry
	out          io.Writer
	log          slog.Logger
	readPassword func() ([]byte, error)
}

type command struct {
	name    string
	usage   string
	minArgs int

	// needsUnlock loads the persisted session before calling handler.
	needsUnlock bool

	handler func(ctx context.Context, env *cmdEnv, args []string) error
}

var commands = []command{{
	name:    "unlock",
	usage:   "[-salt n] - unlock the account with its password",
	handler: cmdUnlock,
}, {
	name:        "send",
	usage:       "<channel> <text> - send a message",
	minArgs:     2,
	needsUnlock: true,
	handler:     cmdSend,
}, {
	name:        "history",
	usage:       "<channel> [before] - list messages older than before",
	minArgs:     1,
	needsUnlock: true,
	handler:     cmdHistory,
}, {
	name:    "ack",
	usage:   "<channel> <message> - mark messages up to message as read",
	minArgs: 2,
	handler: cmdAck,
}, {
	name:        "rotate",
	usage:       "<channel> - replace the current key of a channel",
	minArgs:     1,
	needsUnlock: true,
	handler:     cmdRotate,
}, {
	name:        "run",
	usage:       "[-once] - rotate keys queued by any command and serve metrics until killed",
	needsUnlock: true,
	handler:     cmdRun,
}, {
	name:    "logout",
	usage:   "- wipe the persisted session",
	handler: cmdLogout,
}}

func findCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func runCommand(ctx context.Context, env *cmdEnv, args []string) error {
	cmd := findCommand(args[0])
	if cmd == nil {
		return fmt.Errorf("unknown command %q", args[0])
	}
	args = args[1:]
	if len(args) < cmd.minArgs {
		return fmt.Errorf("usage: %s %s", cmd.name, cmd.usage)
	}
	if cmd.needsUnlock {
		ok, err := env.sess.TryLoad(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errNotUnlocked
		}
	}
	return cmd.handler(ctx, env, args)
}

// readPassword reads the password from the terminal without echo or, when
// stdin is not a terminal, as the first line of stdin.
func readPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return pass, err
	}
	line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return []byte(strings.TrimRight(string(line), "\r\n")), nil
}

func parseChannel(s string) (rpc.ChannelID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid channel id %q", s)
	}
	return rpc.ChannelID(id), nil
}

func parseMessageID(s string) (rpc.MessageID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid message id %q", s)
	}
	return rpc.MessageID(id), nil
}

func cmdUnlock(ctx context.Context, env *cmdEnv, args []string) error {
	fs := flag.NewFlagSet("unlock", flag.ContinueOnError)
	fs.SetOutput(env.out)
	salt := fs.Int64("salt", 0, "account salt")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if env.sess.IsUnlocked() {
		return session.ErrAlreadyUnlocked
	}
	pass, err := env.readPassword()
	if err != nil {
		return err
	}
	defer func() {
		for i := range pass {
			pass[i] = 0
		}
	}()
	if len(pass) == 0 {
		return errors.New("empty password")
	}
	if err := env.sess.UnlockWithPassword(ctx, pass, *salt); err != nil {
		return err
	}
	fmt.Fprintln(env.out, "Session unlocked")
	return nil
}

func cmdSend(ctx context.Context, env *cmdEnv, args []string) error {
	ch, err := parseChannel(args[0])
	if err != nil {
		return err
	}
	id, err := env.sess.Send(ctx, ch, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "Sent message %d\n", id)
	for _, pending := range env.sess.PendingRotations() {
		if pending == ch {
			fmt.Fprintf(env.out, "Key of channel %d queued for rotation by the run command\n", ch)
			break
		}
	}
	return nil
}

func formatMessage(m *session.ChannelMessage) string {
	var text string
	var terr session.TranslatableError
	switch {
	case m.Err == nil:
		text = m.Text
	case errors.As(m.Err, &terr):
		text = "<" + terr.TranslationKey() + ">"
	default:
		text = "<error: " + m.Err.Error() + ">"
	}
	edited := ""
	if m.Edited {
		edited = " (edited)"
	}
	return fmt.Sprintf("%d user %d key %d%s: %s", m.ID, m.Author, m.KeyID,
		edited, text)
}

func cmdHistory(ctx context.Context, env *cmdEnv, args []string) error {
	ch, err := parseChannel(args[0])
	if err != nil {
		return err
	}
	var before rpc.MessageID
	if len(args) > 1 {
		if before, err = parseMessageID(args[1]); err != nil {
			return err
		}
	}
	msgs, err := env.sess.FetchMessages(ctx, ch, before)
	if err != nil {
		return err
	}
	for i := range msgs {
		if msgs[i].Err != nil && !msgs[i].Unreadable() {
			env.log.Warnf("Unable to read message %d: %v", msgs[i].ID, msgs[i].Err)
		}
		fmt.Fprintln(env.out, formatMessage(&msgs[i]))
	}
	return nil
}

func cmdAck(ctx context.Context, env *cmdEnv, args []string) error {
	ch, err := parseChannel(args[0])
	if err != nil {
		return err
	}
	id, err := parseMessageID(args[1])
	if err != nil {
		return err
	}
	return env.sess.AckRead(ctx, ch, id)
}

func cmdRotate(ctx context.Context, env *cmdEnv, args []string) error {
	ch, err := parseChannel(args[0])
	if err != nil {
		return err
	}
	id, rotated, err := env.sess.Rotate(ctx, ch)
	if err != nil {
		return err
	}
	if !rotated {
		fmt.Fprintln(env.out, "Current key is too recent to be replaced")
		return nil
	}
	fmt.Fprintf(env.out, "Rotated to key %d\n", id)
	return nil
}

func cmdRun(ctx context.Context, env *cmdEnv, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(env.out)
	once := fs.Bool("once", false, "perform the queued rotations and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *once {
		n := len(env.sess.PendingRotations())
		if err := env.sess.RotatePending(ctx); err != nil {
			return err
		}
		fmt.Fprintf(env.out, "Performed %d queued rotations\n", n)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if env.settings.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(env.reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: env.settings.MetricsListen, Handler: mux}
		g.Go(func() error {
			env.log.Infof("Serving metrics on %s", srv.Addr)
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}
	g.Go(func() error { return env.sess.Run(gctx) })
	return g.Wait()
}

func cmdLogout(ctx context.Context, env *cmdEnv, args []string) error {
	if err := env.sess.Logout(); err != nil {
		return err
	}
	fmt.Fprintln(env.out, "Logged out")
	return nil
}
