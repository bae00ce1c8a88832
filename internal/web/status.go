package web

import (
	"sync/atomic"
	"time"

	"trxd/internal/gps"
	"trxd/internal/trx"
)

// Sources are polled on every status request. Nil sources are skipped.
type Sources struct {
	Transceivers func() []trx.Info
	Position     func() gps.Status
	Listen       func() []string
}

type Status struct {
	startUnixNano int64
	version       atomic.Value // string
	sources       Sources
}

func NewStatus(version string, src Sources) *Status {
	s := &Status{sources: src}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.version.Store(version)
	return s
}

type StatusSnapshot struct {
	Service      string     `json:"service"`
	Version      string     `json:"version,omitempty"`
	NowUTC       string     `json:"now_utc"`
	UptimeSec    int64      `json:"uptime_sec"`
	Listen       []string   `json:"listen"`
	Transceivers []trx.Info `json:"transceivers"`
	GPS          gps.Status `json:"gps"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:      "trxd",
		Version:      s.version.Load().(string),
		NowUTC:       nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:    int64(nowUTC.Sub(start).Seconds()),
		Listen:       []string{},
		Transceivers: []trx.Info{},
	}
	if f := s.sources.Listen; f != nil {
		snap.Listen = append(snap.Listen, f()...)
	}
	if f := s.sources.Transceivers; f != nil {
		snap.Transceivers = append(snap.Transceivers, f()...)
	}
	if f := s.sources.Position; f != nil {
		snap.GPS = f()
	}
	return snap
}
