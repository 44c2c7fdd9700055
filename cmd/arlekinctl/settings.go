package main

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/companyzero/arlekin/dmcrypto"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

// Settings is the collection of all arlekinctl settings.
type Settings struct {
	// server section
	ServerURL string
	Token     string
	Timeout   time.Duration

	// session section
	StateDir            string
	RSABits             int
	MaxRotationAttempts int

	// cache section
	PrivateKeys    int
	MessageKeys    int
	LastUsed       int
	LastUsedMaxAge time.Duration

	// retry section
	MaxAttempts int
	MaxDelay    time.Duration

	// log section
	LogFile       string
	DebugLevel    string
	StatsInterval time.Duration

	// metrics section
	MetricsListen string
}

var errIniNotFound = errors.New("not found")

// defaultSettings returns the settings used when the config file does not
// set them.
func defaultSettings() *Settings {
	return &Settings{
		ServerURL: "http://127.0.0.1:8080/api/v1/",
		Timeout:   30 * time.Second,

		StateDir:            "~/.arlekin",
		RSABits:             dmcrypto.DefaultRSABits,
		MaxRotationAttempts: 3,

		PrivateKeys: 100,
		MessageKeys: 512,
		LastUsed:    512,

		MaxDelay: 30 * time.Second,

		LogFile:       "~/.arlekin/logs/arlekinctl.log",
		DebugLevel:    "info",
		StatsInterval: 0,
	}
}

// Load retrieves settings from an ini file. Paths are expanded to the
// current user home directory.
func (s *Settings) Load(filename string) error {
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	get := func(p *string, section, key string) {
		if v, ok := cfg.Get(section, key); ok {
			*p = v
		}
	}

	get(&s.ServerURL, "server", "url")
	get(&s.Token, "server", "token")
	get(&s.StateDir, "session", "statedir")
	get(&s.LogFile, "log", "logfile")
	get(&s.DebugLevel, "log", "debuglevel")
	get(&s.MetricsListen, "metrics", "listen")

	ints := []struct {
		p            *int
		section, key string
	}{
		{&s.RSABits, "session", "rsabits"},
		{&s.MaxRotationAttempts, "session", "maxrotationattempts"},
		{&s.PrivateKeys, "cache", "privatekeys"},
		{&s.MessageKeys, "cache", "messagekeys"},
		{&s.LastUsed, "cache", "lastused"},
		{&s.MaxAttempts, "retry", "maxattempts"},
	}
	for _, v := range ints {
		err := iniInt(cfg, v.p, v.section, v.key)
		if err != nil && !errors.Is(err, errIniNotFound) {
			return fmt.Errorf("[%s]%s: %w", v.section, v.key, err)
		}
	}

	durations := []struct {
		p            *time.Duration
		section, key string
	}{
		{&s.Timeout, "server", "timeout"},
		{&s.LastUsedMaxAge, "cache", "lastusedmaxage"},
		{&s.MaxDelay, "retry", "maxdelay"},
		{&s.StatsInterval, "log", "statsinterval"},
	}
	for _, v := range durations {
		err := iniDuration(cfg, v.p, v.section, v.key)
		if err != nil && !errors.Is(err, errIniNotFound) {
			return fmt.Errorf("[%s]%s: %w", v.section, v.key, err)
		}
	}

	return s.expandAndCheck()
}

func (s *Settings) expandAndCheck() error {
	var err error
	if s.StateDir, err = homedir.Expand(s.StateDir); err != nil {
		return err
	}
	if s.LogFile, err = homedir.Expand(s.LogFile); err != nil {
		return err
	}

	u, err := url.Parse(s.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("[server]url %q is not an http(s) url", s.ServerURL)
	}
	if s.RSABits < dmcrypto.MinRSABits {
		return fmt.Errorf("[session]rsabits must be at least %d", dmcrypto.MinRSABits)
	}
	if s.MaxRotationAttempts < 1 {
		return fmt.Errorf("[session]maxrotationattempts must be positive")
	}
	if s.PrivateKeys < 1 || s.MessageKeys < 1 || s.LastUsed < 1 {
		return fmt.Errorf("[cache] sizes must be positive")
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("[retry]maxattempts must not be negative")
	}
	if _, err := parseDebugLevel(s.DebugLevel); err != nil {
		return fmt.Errorf("[log]debuglevel: %w", err)
	}
	return nil
}

func iniInt(cfg ini.File, p *int, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	i64, err := strconv.ParseInt(v, 10, 64)
	if err == nil {
		*p = int(i64)
	}
	return err
}

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	dur, err := strduration.ParseDuration(v)
	if err == nil {
		*p = dur
	}
	return err
}
