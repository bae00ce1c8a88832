// Package gps reads the NMEA stream of a GNSS receiver, straight from its
// serial port, relayed by gpsd or replayed from a recorded log, and publishes
// the decoded position.
package gps

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"trxd/internal/metrics"
	"trxd/internal/nmea"
	"trxd/internal/replay"
)

// Config controls the position feed.
//
// Device may be empty to auto-detect the first /dev/ttyACM* or /dev/ttyUSB*.
type Config struct {
	Enable bool

	// Source is "serial" (default), "gpsd" or "replay".
	Source   string
	Device   string
	Baud     int
	GPSDAddr string

	ReplayPath  string
	ReplaySpeed float64
	ReplayLoop  bool

	// RecordPath, when set, appends every received sentence to a replay log.
	RecordPath string
}

// Status is the feed's view for status pages.
type Status struct {
	Enabled   bool     `json:"enabled"`
	Source    string   `json:"source,omitempty"`
	Device    string   `json:"device,omitempty"`
	Fix       nmea.Fix `json:"fix"`
	LastError string   `json:"last_error,omitempty"`
}

type Service struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	onFix   func(nmea.Fix)

	open func(ctx context.Context) (io.ReadCloser, string, error)

	cancel context.CancelFunc
	wg     sync.WaitGroup

	fix     atomic.Value // nmea.Fix
	lastErr atomic.Value // string
	device  atomic.Value // string

	mu       sync.Mutex
	closer   io.Closer
	recorder *lineRecorder
}

func New(cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	if cfg.Source == "" {
		cfg.Source = "serial"
	}
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if cfg.ReplaySpeed <= 0 {
		cfg.ReplaySpeed = 1
	}
	s := &Service{cfg: cfg, log: log.WithField("source", cfg.Source), metrics: m}
	s.open = s.openSource
	s.fix.Store(nmea.Fix{})
	s.lastErr.Store("")
	s.device.Store(cfg.Device)
	return s
}

// OnFix registers fn to run on the reader goroutine after every accepted
// sentence. It must be called before Start.
func (s *Service) OnFix(fn func(nmea.Fix)) {
	s.onFix = fn
}

// Start launches the reader. Failures to open the source are retried with
// backoff and never reach the caller.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("gps service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	switch s.cfg.Source {
	case "serial", "gpsd", "replay":
	default:
		return errors.Errorf("unknown gps source %q", s.cfg.Source)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Closing the source is the only way to interrupt a blocked read.
	context.AfterFunc(childCtx, s.closeSource)

	s.wg.Add(1)
	go s.run(childCtx)
	return nil
}

func (s *Service) openSource(ctx context.Context) (io.ReadCloser, string, error) {
	if s.cfg.Source == "replay" {
		recs, err := replay.ReadFile(s.cfg.ReplayPath)
		if err != nil {
			return nil, "", err
		}
		return replay.Stream(recs, s.cfg.ReplaySpeed, s.cfg.ReplayLoop), "replay://" + s.cfg.ReplayPath, nil
	}
	if s.cfg.Source == "gpsd" {
		addr := s.cfg.GPSDAddr
		if addr == "" {
			addr = gpsdDefaultAddr
		}
		conn, err := dialGPSD(ctx, addr)
		return conn, "gpsd://" + addr, err
	}
	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			return nil, "", errors.New("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
		}
	}
	port, err := openSerial(device, s.cfg.Baud)
	return port, device, err
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	const minBackoff = 250 * time.Millisecond
	const maxBackoff = 10 * time.Second
	backoff := minBackoff

	for ctx.Err() == nil {
		rc, device, err := s.open(ctx)
		if err != nil {
			s.setError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = minBackoff
		s.device.Store(device)

		s.mu.Lock()
		s.closer = rc
		s.mu.Unlock()
		if ctx.Err() != nil {
			_ = rc.Close()
			return
		}

		s.log.WithField("device", device).Info("position feed open")
		err = s.consume(s.tap(rc))
		_ = rc.Close()
		if ctx.Err() != nil {
			return
		}
		if s.cfg.Source == "replay" && errors.Is(err, io.EOF) {
			s.log.Info("replay finished")
			return
		}
		s.setError(errors.Wrap(err, "gps read stopped"))
	}
}

// tap copies the stream into the record log when one is configured. A
// log that cannot be opened only costs the recording.
func (s *Service) tap(r io.Reader) io.Reader {
	if s.cfg.RecordPath == "" {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		w, err := replay.CreateWriter(s.cfg.RecordPath, true)
		if err != nil {
			s.setError(err)
			return r
		}
		s.recorder = &lineRecorder{w: w}
	}
	return io.TeeReader(r, s.recorder)
}

// consume feeds the stream to a fresh decoder until it fails.
func (s *Service) consume(r io.Reader) error {
	br := bufio.NewReaderSize(r, 256)
	dec := nmea.NewDecoder()
	for {
		c, err := br.ReadByte()
		if err != nil {
			return err
		}
		updated, derr := dec.Feed(c)
		s.account(derr)
		if !updated {
			continue
		}
		fix := dec.Fix()
		s.fix.Store(fix)
		if s.onFix != nil {
			s.onFix(fix)
		}
	}
}

func (s *Service) account(err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, nmea.ErrUnknownTalker), errors.Is(err, nmea.ErrUnsupportedSentence):
		s.metrics.Sentence("ignored")
		return
	case errors.Is(err, nmea.ErrChecksumMismatch):
		s.metrics.Sentence("checksum")
	case errors.Is(err, nmea.ErrLocatorRange):
		s.metrics.Sentence("no_locator")
	default:
		s.metrics.Sentence("invalid")
	}
	s.log.WithError(err).Debug("sentence discarded")
}

// Position returns the latest fix; the zero Fix until a sentence was
// accepted.
func (s *Service) Position() nmea.Fix {
	if s == nil {
		return nmea.Fix{}
	}
	return s.fix.Load().(nmea.Fix)
}

func (s *Service) Status() Status {
	if s == nil {
		return Status{}
	}
	return Status{
		Enabled:   s.cfg.Enable,
		Source:    s.cfg.Source,
		Device:    s.device.Load().(string),
		Fix:       s.Position(),
		LastError: s.lastErr.Load().(string),
	}
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.closeSource()
	s.wg.Wait()

	s.mu.Lock()
	rec := s.recorder
	s.recorder = nil
	s.mu.Unlock()
	if rec != nil {
		if err := rec.w.Close(); err != nil {
			s.log.WithError(err).Warn("close record log")
		}
	}
}

func (s *Service) closeSource() {
	s.mu.Lock()
	closer := s.closer
	s.closer = nil
	s.mu.Unlock()
	if closer != nil {
		_ = closer.Close()
	}
}

// setError keeps the last error; transient failures do not touch the fix.
func (s *Service) setError(err error) {
	if err == nil {
		return
	}
	s.lastErr.Store(err.Error())
	s.log.WithError(err).Warn("position feed")
}

// lineRecorder splits the raw byte stream into sentences for the record log.
type lineRecorder struct {
	w   *replay.Writer
	buf []byte
}

func (l *lineRecorder) Write(p []byte) (int, error) {
	for _, c := range p {
		if c != '\n' {
			if len(l.buf) < 256 {
				l.buf = append(l.buf, c)
			}
			continue
		}
		// Write errors only lose the recording, never the feed.
		_ = l.w.WriteSentence(time.Now(), string(l.buf))
		l.buf = l.buf[:0]
	}
	return len(p), nil
}
