// Package server is the network front end of trxd. Every listening socket
// carries two transports: JSON lines for plain TCP clients and WebSocket
// text frames for browsers. Both are told apart on the first byte.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool/v2"

	"trxd/internal/metrics"
	"trxd/internal/trx"
)

const (
	maxListeners = 16
	acceptPoll   = 200 * time.Millisecond
)

type Config struct {
	Address          string
	Port             string
	Path             string
	HandshakeTimeout time.Duration
	LogConnections   bool
	AllowDynamic     bool
}

type Server struct {
	cfg      Config
	neg      *Negotiator
	manager  *trx.Manager
	position PositionSource
	log      logrus.FieldLogger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	listeners []*net.TCPListener

	serving *abool.AtomicBool
	conns   sync.WaitGroup
}

// New builds a server. position may be nil when no position feed is
// configured.
func New(cfg Config, mgr *trx.Manager, position PositionSource, log logrus.FieldLogger, m *metrics.Metrics) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &Server{
		cfg:      cfg,
		neg:      NewNegotiator(cfg.Path, cfg.HandshakeTimeout),
		manager:  mgr,
		position: position,
		log:      log,
		metrics:  m,
		serving:  abool.New(),
	}
}

// Listen binds every address cfg.Address resolves to, up to 16 of them. It
// fails only when none could be bound.
func (s *Server) Listen(ctx context.Context) error {
	hosts, err := s.resolve(ctx)
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	var bound []*net.TCPListener
	for _, host := range hosts {
		addr := net.JoinHostPort(host, s.cfg.Port)
		l, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			s.log.WithError(err).WithField("addr", addr).Warn("listen failed")
			continue
		}
		bound = append(bound, l.(*net.TCPListener))
		s.log.WithField("addr", l.Addr().String()).Info("listening")
	}
	if len(bound) == 0 {
		return errors.Errorf("no usable listen address for %q port %s", s.cfg.Address, s.cfg.Port)
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, bound...)
	s.mu.Unlock()
	return nil
}

func (s *Server) resolve(ctx context.Context) ([]string, error) {
	if s.cfg.Address == "" {
		return []string{""}, nil
	}
	if ip := net.ParseIP(s.cfg.Address); ip != nil {
		return []string{ip.String()}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, s.cfg.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", s.cfg.Address)
	}
	seen := make(map[string]bool)
	var hosts []string
	for _, a := range addrs {
		h := a.IP.String()
		if a.Zone != "" {
			h += "%" + a.Zone
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
		if len(hosts) == maxListeners {
			break
		}
	}
	if len(hosts) == 0 {
		return nil, errors.Errorf("resolve %s: no addresses", s.cfg.Address)
	}
	return hosts, nil
}

// Addrs returns the bound addresses.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.Addr())
	}
	return out
}

// Serve accepts connections on every bound listener until ctx is cancelled,
// then waits for the open connections to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listeners := append([]*net.TCPListener(nil), s.listeners...)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return errors.New("server: Serve called before Listen")
	}
	if !s.serving.SetToIf(false, true) {
		return errors.New("server: already serving")
	}

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func(l *net.TCPListener) {
			defer wg.Done()
			s.acceptLoop(ctx, l)
		}(l)
	}
	wg.Wait()
	s.conns.Wait()
	return nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// acceptLoop wakes up every acceptPoll to notice cancellation.
func (s *Server) acceptLoop(ctx context.Context, l *net.TCPListener) {
	defer l.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		_ = l.SetDeadline(time.Now().Add(acceptPoll))
		c, err := l.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			time.Sleep(acceptPoll)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, c)
		}()
	}
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	peer := c.RemoteAddr().String()
	log := s.log.WithField("peer", peer)

	t, outcome, err := s.neg.Negotiate(c)
	s.metrics.Handshake(outcome)
	if err != nil {
		log.WithError(err).Debug("handshake rejected")
		_ = c.Close()
		return
	}

	conn := newConn(t, peer, s.log, s.metrics)
	s.metrics.ConnectionOpened(t.Kind())
	if s.cfg.LogConnections {
		conn.log.Info("client connected")
	}
	s.serve(ctx, conn)
	s.metrics.ConnectionClosed()
	if s.cfg.LogConnections {
		conn.log.Info("client disconnected")
	}
}
