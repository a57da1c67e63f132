// Package relay carries the extension message protocol over a WebSocket.
//
// A browser-side interception point sends Request messages; the proxy
// answers every one with exactly one Result bearing the same msgId, within
// a bounded time. Requests of kind "fetch" run through the pseudonymizing
// round tripper, "ui_restore" runs the UI fallback over a text node, and
// "ping" checks liveness.
package relay

import (
	"errors"
	"time"
)

// Message kinds.
const (
	KindFetch     = "fetch"
	KindUIRestore = "ui_restore"
	KindPing      = "ping"
)

// DefaultTimeout bounds the time to a result for one message.
const DefaultTimeout = 30 * time.Second

// Error strings carried in Result.Error.
const (
	errTimeout   = "timeout"
	errDuplicate = "duplicate msgId"
	errNoMsgID   = "missing msgId"
)

var (
	// ErrTimeout is returned by Caller.Call when no result arrives in time.
	ErrTimeout = errors.New("relay: timeout")
	// ErrDuplicate is returned by Caller.Call when msgId is already pending.
	ErrDuplicate = errors.New("relay: duplicate msgId in flight")
	// ErrClosed is returned once the connection is gone.
	ErrClosed = errors.New("relay: connection closed")
)

// Request is one message from the interception point.
type Request struct {
	Kind     string            `json:"kind"`
	MsgID    string            `json:"msgId"`
	URL      string            `json:"url,omitempty"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	BodyText string            `json:"bodyText,omitempty"`
}

// Result answers the Request with the same MsgID. Either OK is true and
// the response fields are set, or OK is false and Error says why.
type Result struct {
	MsgID    string            `json:"msgId"`
	OK       bool              `json:"ok"`
	Status   int               `json:"status,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	BodyText string            `json:"bodyText,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func failed(msgID, reason string) Result {
	return Result{MsgID: msgID, OK: false, Error: reason}
}
