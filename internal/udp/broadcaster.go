// Package udp mirrors transceiver events to a UDP destination, such as a
// logging program on the LAN or a multicast group, one JSON object per
// datagram.
package udp

import (
	"encoding/json"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"trxd/internal/trx"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

// Datagram is the payload of one event.
type Datagram struct {
	Event  trx.EventKind `json:"event"`
	Trx    string        `json:"trx"`
	State  *trx.State    `json:"state,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

type Broadcaster struct {
	dest string
	conn udpConn
	log  logrus.FieldLogger
}

func NewBroadcaster(dest string, log logrus.FieldLogger) (*Broadcaster, error) {
	b, err := newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
	if err != nil {
		return nil, err
	}
	if log != nil {
		b.log = log
	}
	return b, nil
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, errors.Wrap(err, "resolve dest")
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial udp")
	}
	return &Broadcaster{dest: dest, conn: conn, log: logrus.StandardLogger()}, nil
}

func (b *Broadcaster) ID() string { return "udp:" + b.dest }

// Notify sends ev without waiting for anyone. Failures are logged and the
// event is lost.
func (b *Broadcaster) Notify(ev trx.Event) {
	d := Datagram{Event: ev.Kind, Trx: ev.Trx, Reason: ev.Reason}
	if ev.Kind == trx.EventState {
		st := ev.State
		d.State = &st
	}
	p, err := json.Marshal(d)
	if err != nil {
		b.log.WithError(err).Warn("encode event")
		return
	}
	if err := b.Send(p); err != nil {
		b.log.WithError(err).WithField("dest", b.dest).Debug("udp send failed")
	}
}

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
