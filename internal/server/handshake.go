package server

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var (
	ErrBadRequest = errors.New("handshake: bad request")
	ErrNotFound   = errors.New("handshake: resource not found")
)

// Handshake outcomes, as reported to metrics.
const (
	outcomeRaw       = "raw"
	outcomeWebSocket = "websocket"
	outcomeNotFound  = "not_found"
	outcomeBad       = "bad_request"
)

// AcceptKey derives the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Negotiator decides the transport of a freshly accepted connection.
//
// A connection whose first byte opens a JSON object speaks the raw line
// protocol. Anything else must be an HTTP upgrade request for Path.
type Negotiator struct {
	Path    string
	Timeout time.Duration

	upgrader websocket.Upgrader
}

func NewNegotiator(path string, timeout time.Duration) *Negotiator {
	if path == "" {
		path = "/"
	}
	return &Negotiator{
		Path:    path,
		Timeout: timeout,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: timeout,
			// Non-browser clients send no Origin; browsers are not
			// restricted either.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Negotiate runs the handshake on c. On error the rejection has been written
// and the caller only needs to close c.
func (n *Negotiator) Negotiate(c net.Conn) (transport, string, error) {
	if n.Timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(n.Timeout))
	}
	br := bufio.NewReaderSize(c, 4096)
	first, err := br.Peek(1)
	if err != nil {
		return nil, outcomeBad, errors.Wrap(ErrBadRequest, err.Error())
	}

	if first[0] == '{' {
		_ = c.SetDeadline(time.Time{})
		return newRawTransport(c, br), outcomeRaw, nil
	}

	req, err := http.ReadRequest(br)
	if err != nil || req.Method != http.MethodGet {
		writeBadRequest(c)
		if err == nil {
			err = errors.Errorf("method %s", req.Method)
		}
		return nil, outcomeBad, errors.Wrap(ErrBadRequest, err.Error())
	}
	if req.URL.Path != n.Path {
		_, _ = c.Write([]byte("HTTP/1.1 404 Not Found\r\n\r\n"))
		return nil, outcomeNotFound, errors.Wrapf(ErrNotFound, "%q", req.URL.Path)
	}

	w := &hijackWriter{
		conn:   c,
		brw:    bufio.NewReadWriter(br, bufio.NewWriter(c)),
		header: make(http.Header),
	}
	ws, err := n.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader already answered 400 with Sec-WebSocket-Version.
		_ = w.brw.Flush()
		return nil, outcomeBad, errors.Wrap(ErrBadRequest, err.Error())
	}
	_ = c.SetDeadline(time.Time{})
	return newWSTransport(ws), outcomeWebSocket, nil
}

func writeBadRequest(c net.Conn) {
	_, _ = c.Write([]byte("HTTP/1.1 400 Bad Request\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Connection: close\r\n\r\n"))
}

// hijackWriter is the minimal http.ResponseWriter the upgrader needs when
// there is no http.Server: it hands out the raw connection on Hijack and
// writes plain HTTP/1.1 for error responses.
type hijackWriter struct {
	conn        net.Conn
	brw         *bufio.ReadWriter
	header      http.Header
	wroteHeader bool
}

func (w *hijackWriter) Header() http.Header { return w.header }

func (w *hijackWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	fmt.Fprintf(w.brw, "HTTP/1.1 %03d %s\r\n", code, http.StatusText(code))
	w.header.Set("Connection", "close")
	_ = w.header.Write(w.brw)
	_, _ = w.brw.WriteString("\r\n")
}

func (w *hijackWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.brw.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.brw.Flush()
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, w.brw, nil
}
