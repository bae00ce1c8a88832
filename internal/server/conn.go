package server

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool/v2"

	"trxd/internal/metrics"
	"trxd/internal/trx"
)

// MaxMessageSize bounds one inbound message on either transport.
const MaxMessageSize = 64 << 10

const outboxSize = 64

// writeTimeout bounds one message write; a client that stops reading for
// longer is disconnected. shutdownGrace bounds how long a closing connection
// waits for its writer before the transport is closed under it.
var (
	writeTimeout  = 10 * time.Second
	shutdownGrace = time.Second
)

// transport moves whole JSON messages. Writes come from a single goroutine.
type transport interface {
	Kind() string
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

type rawTransport struct {
	conn net.Conn
	sc   *bufio.Scanner
}

func newRawTransport(c net.Conn, br *bufio.Reader) *rawTransport {
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 4096), MaxMessageSize)
	return &rawTransport{conn: c, sc: sc}
}

func (t *rawTransport) Kind() string { return "raw" }

func (t *rawTransport) ReadMessage() ([]byte, error) {
	for t.sc.Scan() {
		line := t.sc.Bytes()
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := t.sc.Err(); err != nil {
		return nil, err
	}
	return nil, errors.WithStack(net.ErrClosed)
}

func (t *rawTransport) WriteMessage(msg []byte) error {
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := t.conn.Write(buf)
	return err
}

func (t *rawTransport) Close() error { return t.conn.Close() }

type wsTransport struct {
	ws *websocket.Conn
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	ws.SetReadLimit(MaxMessageSize)
	return &wsTransport{ws: ws}
}

func (t *wsTransport) Kind() string { return "websocket" }

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		typ, msg, err := t.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (t *wsTransport) WriteMessage(msg []byte) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.ws.WriteMessage(websocket.TextMessage, msg)
}

// Close may race the writer goroutine; WriteControl is the one write gorilla
// allows concurrently.
func (t *wsTransport) Close() error {
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.ws.Close()
}

// Conn is one client connection. Its reader runs on the handler goroutine;
// a second goroutine drains the outbox so that events never wait behind a
// slow device command.
type Conn struct {
	id      string
	peer    string
	t       transport
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	out       chan []byte
	done      chan struct{}
	closed    *abool.AtomicBool
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConn(t transport, peer string, log logrus.FieldLogger, m *metrics.Metrics) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:      id,
		peer:    peer,
		t:       t,
		log:     log.WithFields(logrus.Fields{"conn": id, "peer": peer, "transport": t.Kind()}),
		metrics: m,
		out:     make(chan []byte, outboxSize),
		done:    make(chan struct{}),
		closed:  abool.New(),
	}
	c.wg.Add(1)
	go c.writer()
	return c
}

// ID implements trx.Subscriber.
func (c *Conn) ID() string { return c.id }

// Notify implements trx.Subscriber. Events that do not fit in the outbox
// are dropped.
func (c *Conn) Notify(ev trx.Event) {
	if c.closed.IsSet() {
		return
	}
	msg, err := json.Marshal(eventMessage(ev))
	if err != nil {
		return
	}
	select {
	case c.out <- msg:
	default:
		c.metrics.DroppedEvent()
		c.log.WithField("trx", ev.Trx).Debug("event dropped, client too slow")
	}
}

// send queues a response, waiting for room unless the connection closed.
func (c *Conn) send(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode response")
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return errors.WithStack(net.ErrClosed)
	}
}

func (c *Conn) writer() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.t.WriteMessage(msg); err != nil {
				c.log.WithError(err).Debug("write failed")
				c.Close()
				return
			}
		}
	}
}

// flush hands queued messages to the transport before a close.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.out:
			if err := c.t.WriteMessage(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) stop() {
	c.stopOnce.Do(func() {
		c.closed.Set()
		close(c.done)
	})
}

// Close is idempotent and safe from any goroutine.
func (c *Conn) Close() {
	c.stop()
	c.closeOnce.Do(func() { _ = c.t.Close() })
}

// shutdown stops the writer after it drained what the handler queued. A
// writer stuck on a client that does not read gets shutdownGrace, then the
// transport is closed under it.
func (c *Conn) shutdown() {
	c.stop()
	stopped := make(chan struct{})
	go func() {
		c.wg.Wait()
		c.flush()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownGrace):
		c.log.Debug("writer stalled, closing")
	}
	c.closeOnce.Do(func() { _ = c.t.Close() })
	<-stopped
}
