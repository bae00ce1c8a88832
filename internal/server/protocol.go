package server

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"trxd/internal/trx"
)

// Request is one client message. ID is echoed verbatim in the response.
type Request struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Request string          `json:"request"`
	Trx     string          `json:"trx,omitempty"`
	Device  string          `json:"device,omitempty"`
	Driver  string          `json:"driver,omitempty"`
	Value   Value           `json:"value,omitempty"`
}

// Value is a command parameter. Clients may send it as a string, a number
// or a boolean; it is kept in its textual form.
type Value string

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*v = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value(s)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9') || bytes.Equal(b, []byte("true")) || bytes.Equal(b, []byte("false")):
		*v = Value(b)
	default:
		return errors.Errorf("value must be a string, number or boolean, got %s", b)
	}
	return nil
}

const (
	statusOk    = "Ok"
	statusError = "Error"
)

type Response struct {
	ID       json.RawMessage `json:"id,omitempty"`
	Response string          `json:"response"`
	Status   string          `json:"status"`
	Result   any             `json:"result,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventMessage is an unsolicited message pushed to subscribed clients.
type EventMessage struct {
	Event  trx.EventKind `json:"event"`
	Trx    string        `json:"trx"`
	State  *trx.State    `json:"state,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

func eventMessage(ev trx.Event) EventMessage {
	msg := EventMessage{Event: ev.Kind, Trx: ev.Trx, Reason: ev.Reason}
	if ev.Kind == trx.EventState {
		st := ev.State
		msg.State = &st
	}
	return msg
}
