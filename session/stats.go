// Copyright (c) 2016,2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats are the counters of a session. Counters of the key manager are reset
// by every unlock.
type Stats struct {
	MessagesSent       uint64
	MessagesReceived   uint64
	Undecryptable      uint64
	RotationsQueued    uint64
	Rotations          uint64
	RotationsAbandoned uint64
	KeyCacheHits       uint64
	KeyCacheMisses     uint64
	PrivKeyCacheHits   uint64
	PrivKeyCacheMisses uint64
	Requests           uint64
	Retries            uint64
}

type stats struct {
	msgsSent        prometheus.Counter
	msgsRecv        prometheus.Counter
	undecryptable   prometheus.Counter
	rotationsQueued prometheus.Counter

	msgsSentAtomic        atomic.Uint64
	msgsRecvAtomic        atomic.Uint64
	undecryptableAtomic   atomic.Uint64
	rotationsQueuedAtomic atomic.Uint64
}

// newStats creates the session metrics. When reg is nil, the metrics are
// not registered anywhere. snapshot is used to export the counters kept by
// the components of the session.
func newStats(reg prometheus.Registerer, snapshot func() Stats) *stats {
	f := promauto.With(reg)
	gauge := func(name, help string, v func(Stats) uint64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(v(snapshot())) })
	}

	gauge("arlekin_rotations", "Keys rotated since unlock",
		func(s Stats) uint64 { return s.Rotations })
	gauge("arlekin_rotations_abandoned", "Rotations abandoned because a key was created too recently",
		func(s Stats) uint64 { return s.RotationsAbandoned })
	gauge("arlekin_key_cache_hits", "Message key cache hits since unlock",
		func(s Stats) uint64 { return s.KeyCacheHits })
	gauge("arlekin_key_cache_misses", "Message key cache misses since unlock",
		func(s Stats) uint64 { return s.KeyCacheMisses })
	gauge("arlekin_private_key_cache_hits", "Private key cache hits since unlock",
		func(s Stats) uint64 { return s.PrivKeyCacheHits })
	gauge("arlekin_private_key_cache_misses", "Private key cache misses since unlock",
		func(s Stats) uint64 { return s.PrivKeyCacheMisses })

	return &stats{
		msgsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "arlekin_messages_sent",
			Help: "Total number of messages sent",
		}),
		msgsRecv: f.NewCounter(prometheus.CounterOpts{
			Name: "arlekin_messages_received",
			Help: "Total number of messages decrypted",
		}),
		undecryptable: f.NewCounter(prometheus.CounterOpts{
			Name: "arlekin_messages_undecryptable",
			Help: "Total number of messages that could not be decrypted",
		}),
		rotationsQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "arlekin_rotations_queued",
			Help: "Total number of rotations requested by the server",
		}),
	}
}

func (s *stats) sent() {
	s.msgsSent.Inc()
	s.msgsSentAtomic.Add(1)
}

func (s *stats) received(ok bool) {
	if ok {
		s.msgsRecv.Inc()
		s.msgsRecvAtomic.Add(1)
	} else {
		s.undecryptable.Inc()
		s.undecryptableAtomic.Add(1)
	}
}

func (s *stats) rotationQueued() {
	s.rotationsQueued.Inc()
	s.rotationsQueuedAtomic.Add(1)
}

func (s *stats) runPrinter(ctx context.Context, interval time.Duration,
	snapshot func() Stats, log slog.Logger) error {

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-time.After(interval):
			st := snapshot()
			log.Infof("Session Stats: "+
				"msgs %d sent / %d recv / %d unreadable, "+
				"rotations %d done / %d abandoned / %d queued, "+
				"key cache %d hits / %d misses, "+
				"requests %d (%d retries)",
				st.MessagesSent, st.MessagesReceived, st.Undecryptable,
				st.Rotations, st.RotationsAbandoned, st.RotationsQueued,
				st.KeyCacheHits, st.KeyCacheMisses,
				st.Requests, st.Retries)
		}
	}
}
