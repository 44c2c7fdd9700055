package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/companyzero/arlekin/apiclient"
	"github.com/companyzero/arlekin/session"
	"github.com/decred/slog"
	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const defaultConfigFile = "~/.arlekin/arlekinctl.conf"

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: arlekinctl [flags] <command> [args]\n\nflags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(flag.CommandLine.Output(), "\ncommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(flag.CommandLine.Output(), "  %-10s %s\n", cmd.name, cmd.usage)
	}
}

// loadSettings loads the config file. A missing default config file is not
// an error.
func loadSettings(filename string, explicit bool) (*Settings, error) {
	s := defaultSettings()
	fname, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	err = s.Load(fname)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		err = s.expandAndCheck()
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// newSession creates the session configured by s.
func newSession(s *Settings, logger func(string) slog.Logger, reg prometheus.Registerer) (*session.Session, error) {
	api, err := apiclient.New(apiclient.Config{
		BaseURL:     s.ServerURL,
		HTTPClient:  &http.Client{Timeout: s.Timeout},
		AuthToken:   func() string { return s.Token },
		MaxAttempts: s.MaxAttempts,
		MaxDelay:    s.MaxDelay,
		Log:         logger("APIC"),
	})
	if err != nil {
		return nil, err
	}
	return session.New(session.Config{
		API:                 api,
		StateDir:            s.StateDir,
		RSABits:             s.RSABits,
		PrivateKeyCacheSize: s.PrivateKeys,
		MessageKeyCacheSize: s.MessageKeys,
		LastUsedCacheSize:   s.LastUsed,
		MaxRotationAttempts: s.MaxRotationAttempts,
		LatestKeyMaxAge:     s.LastUsedMaxAge,
		StatsInterval:       s.StatsInterval,
		Registerer:          reg,
		Logger:              logger,
	})
}

func _main() error {
	cfgFile := flag.String("cfg", defaultConfigFile, "config file")
	flag.Usage = usage
	flag.Parse()
	explicitCfg := false
	flag.Visit(func(f *flag.Flag) { explicitCfg = explicitCfg || f.Name == "cfg" })

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return errors.New("no command specified")
	}

	s, err := loadSettings(*cfgFile, explicitCfg)
	if err != nil {
		return err
	}

	// Output of commands goes to stdout, so the log goes to stderr.
	logBknd, err := newLogBackend(s.LogFile, s.DebugLevel, os.Stderr)
	if err != nil {
		return err
	}
	defer logBknd.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for termination signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	sess, err := newSession(s, logBknd.logger, reg)
	if err != nil {
		return err
	}
	defer sess.Teardown()

	env := &cmdEnv{
		settings:     s,
		sess:         sess,
		reg:          reg,
		out:          os.Stdout,
		log:          logBknd.logger("CTL"),
		readPassword: readPassword,
	}
	err = runCommand(ctx, env, args)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
