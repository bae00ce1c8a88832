package server

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"trxd/internal/nmea"
	"trxd/internal/trx"
)

// Requests answered by the front end itself rather than a device command.
const (
	reqGetState    = "get-state"
	reqGetInfo     = "get-info"
	reqGetPosition = "get-position"
	reqSubscribe   = "subscribe"
	reqUnsubscribe = "unsubscribe"
	reqListTrx     = "list-trx"
)

// PositionSource supplies the latest position fix.
type PositionSource interface {
	Position() nmea.Fix
}

// client is the per-connection state of the handler: the sessions it is
// subscribed to and the on-demand sessions it holds a reference on.
type client struct {
	conn    *Conn
	subs    map[string]*trx.Session
	dynamic map[string]*trx.Session
}

// serve runs the request loop of one connection until the client goes away
// or ctx is cancelled.
func (s *Server) serve(ctx context.Context, conn *Conn) {
	cl := &client{
		conn:    conn,
		subs:    make(map[string]*trx.Session),
		dynamic: make(map[string]*trx.Session),
	}
	// The hook stays registered until shutdown returns so cancellation can
	// still unblock a stalled writer.
	stop := context.AfterFunc(ctx, conn.Close)
	defer func() {
		s.release(cl)
		conn.shutdown()
		stop()
	}()

	for {
		msg, err := conn.t.ReadMessage()
		if err != nil {
			conn.log.WithError(err).Debug("read finished")
			return
		}
		resp := s.dispatch(ctx, cl, msg)
		name := resp.Response
		if !trx.IsCommand(name) && !sessionRequest(name) && name != reqListTrx && name != reqGetPosition {
			name = "invalid"
		}
		s.metrics.Request(name, errorCode(resp))
		if err := conn.send(resp); err != nil {
			return
		}
	}
}

func (s *Server) release(cl *client) {
	for _, sess := range cl.subs {
		sess.Unsubscribe(cl.conn)
	}
	for _, sess := range cl.dynamic {
		s.manager.Release(sess)
	}
}

func (s *Server) dispatch(ctx context.Context, cl *client, msg []byte) Response {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return failure(req, errors.Wrap(trx.ErrProtocol, "malformed request"))
	}
	if req.Request == "" {
		return failure(req, errors.Wrap(trx.ErrProtocol, "missing request"))
	}

	switch req.Request {
	case reqListTrx:
		return success(req, s.manager.List())
	case reqGetPosition:
		if s.position == nil {
			return failure(req, errors.Wrap(trx.ErrDeviceUnavailable, "no position feed"))
		}
		return success(req, s.position.Position())
	}

	if !trx.IsCommand(req.Request) && !sessionRequest(req.Request) {
		return failure(req, errors.Wrapf(trx.ErrProtocol, "unknown request %q", req.Request))
	}

	sess, err := s.session(ctx, cl, req)
	if err != nil {
		return failure(req, err)
	}

	switch req.Request {
	case reqGetState:
		if sess.Closed() {
			return failure(req, trx.ErrControllerClosed)
		}
		return success(req, sess.State())
	case reqGetInfo:
		return success(req, sess.Info())
	case reqSubscribe:
		if err := sess.Subscribe(cl.conn); err != nil {
			return failure(req, err)
		}
		cl.subs[sess.Name()] = sess
		return success(req, nil)
	case reqUnsubscribe:
		sess.Unsubscribe(cl.conn)
		delete(cl.subs, sess.Name())
		return success(req, nil)
	}

	result, err := sess.Execute(ctx, trx.Command{Op: trx.Op(req.Request), Value: string(req.Value)})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"trx":     sess.Name(),
			"request": req.Request,
		}).Debug("command failed")
		return failure(req, err)
	}
	return success(req, result)
}

func sessionRequest(name string) bool {
	switch name {
	case reqGetState, reqGetInfo, reqSubscribe, reqUnsubscribe:
		return true
	}
	return false
}

// session resolves the target of req: a named (or the default) configured
// transceiver, or an on-demand session for req.Device.
func (s *Server) session(ctx context.Context, cl *client, req Request) (*trx.Session, error) {
	if req.Device == "" {
		return s.manager.Get(req.Trx)
	}
	if !s.cfg.AllowDynamic {
		return nil, errors.Wrap(trx.ErrDeviceUnavailable, "on-demand sessions are disabled")
	}
	if sess, ok := cl.dynamic[req.Device]; ok {
		if !sess.Closed() {
			return sess, nil
		}
		delete(cl.dynamic, req.Device)
		delete(cl.subs, sess.Name())
		s.manager.Release(sess)
	}
	if req.Driver == "" {
		return nil, errors.Wrap(trx.ErrDriverNotFound, "no driver given")
	}
	sess, err := s.manager.Acquire(ctx, req.Device, req.Driver)
	if err != nil {
		return nil, err
	}
	cl.dynamic[req.Device] = sess
	return sess, nil
}

func success(req Request, result any) Response {
	return Response{ID: req.ID, Response: req.Request, Status: statusOk, Result: result}
}

func failure(req Request, err error) Response {
	return Response{
		ID:       req.ID,
		Response: req.Request,
		Status:   statusError,
		Error:    &ErrorBody{Code: code(err), Message: err.Error()},
	}
}

func errorCode(resp Response) string {
	if resp.Error == nil {
		return ""
	}
	return resp.Error.Code
}

// code extends trx.Code with the decoder's checksum error.
func code(err error) string {
	if errors.Is(err, nmea.ErrChecksumMismatch) {
		return "ChecksumMismatch"
	}
	return trx.Code(err)
}
