// Package codec implements the wire schemas, msgpack encoding of them, and
// the stream-aware encoding pass: a recursive reflection walk that
// substitutes any stream.Streamer value, wherever nested, with a
// server-minted ObservationId.
package codec

import (
	"github.com/vmihailenco/msgpack/v5"
)

// ClientMessage is the wire form of ClientToServer: a tagged union of
// RpcRequest and ObservablesClosed.
type ClientMessage struct {
	Type              string   `msgpack:"type"`
	Request           *Request `msgpack:"request,omitempty"`
	ObservablesClosed []uint64 `msgpack:"observables_closed,omitempty"`
}

const (
	ClientMessageRequest           = "request"
	ClientMessageObservablesClosed = "observables_closed"
)

// Request is the wire form of RpcRequest.
type Request struct {
	RequestID     uint64        `msgpack:"request_id"`
	Method        string        `msgpack:"method"`
	Args          []interface{} `msgpack:"args"`
	ClientAddress string        `msgpack:"client_address"`
}

// ServerMessage is the wire form of ServerToClient: a tagged union of
// RpcReply and Observation.
type ServerMessage struct {
	Type        string       `msgpack:"type"`
	Reply       *Reply       `msgpack:"reply,omitempty"`
	Observation *Observation `msgpack:"observation,omitempty"`
}

const (
	ServerMessageReply       = "reply"
	ServerMessageObservation = "observation"
)

// Reply is the wire form of RpcReply: exactly one of Value/Error is set,
// discriminated by Ok.
type Reply struct {
	RequestID uint64      `msgpack:"request_id"`
	Ok        bool        `msgpack:"ok"`
	Value     interface{} `msgpack:"value,omitempty"`
	Error     string      `msgpack:"error,omitempty"`
}

// Observation is the wire form of Observation(ObservationId, Notification).
type Observation struct {
	ObservationID uint64      `msgpack:"observation_id"`
	Kind          string      `msgpack:"kind"`
	Value         interface{} `msgpack:"value,omitempty"`
	Error         string      `msgpack:"error,omitempty"`
}

const (
	NotificationNext      = "next"
	NotificationError     = "error"
	NotificationCompleted = "completed"
)

// MarshalServerMessage encodes msg with msgpack.
func MarshalServerMessage(msg ServerMessage) ([]byte, error) {
	return msgpack.Marshal(msg)
}

// UnmarshalClientMessage decodes a ClientMessage from msgpack bytes.
func UnmarshalClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	err := msgpack.Unmarshal(data, &msg)
	return msg, err
}

// MarshalClientMessage encodes msg with msgpack. Used by client-side code
// and by tests acting as a client.
func MarshalClientMessage(msg ClientMessage) ([]byte, error) {
	return msgpack.Marshal(msg)
}

// UnmarshalServerMessage decodes a ServerMessage from msgpack bytes. Used
// by client-side code and by tests acting as a client.
func UnmarshalServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	err := msgpack.Unmarshal(data, &msg)
	return msg, err
}
