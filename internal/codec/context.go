package codec

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"github.com/tenzoki/rpcserver/internal/registry"
)

// Notification is the uniform shape every stream emission is materialized
// into before it reaches the Sender: exactly one of Value/Err is
// meaningful, selected by Kind.
type Notification struct {
	Kind  string
	Value interface{}
	Err   error
}

func OnNext(v interface{}) Notification   { return Notification{Kind: NotificationNext, Value: v} }
func OnError(err error) Notification      { return Notification{Kind: NotificationError, Err: err} }
func OnCompleted() Notification           { return Notification{Kind: NotificationCompleted} }

// Sender is the delivery-executor-handle part of a ReplyCodecContext: the
// codec hands it materialized Notifications to forward, and uses its gate
// to guarantee a reply is sent before any observation it produced.
// internal/forwarder.Forwarder implements this.
type Sender interface {
	Enqueue(requestID, observationID uint64, n Notification)
	OpenGate(requestID uint64)
	ReleaseGate(requestID uint64)
}

// ReplyCodecContext is the per-reply context slot threaded explicitly
// through encoding instead of relying on ambient/thread-local state: the
// codec consults it whenever it encounters a stream value during encoding,
// at any nesting depth.
type ReplyCodecContext struct {
	RequestID     uint64
	ClientAddress string
	Registry      *registry.Registry
	Sender        Sender
}

// NewReplyCodecContext opens the Sender's gate for requestID so any stream
// discovered during encoding is prevented from being forwarded before the
// reply itself has been sent — see Dispatcher, which calls ReleaseGate
// immediately after the reply send returns.
func NewReplyCodecContext(requestID uint64, clientAddress string, reg *registry.Registry, sender Sender) *ReplyCodecContext {
	sender.OpenGate(requestID)
	return &ReplyCodecContext{
		RequestID:     requestID,
		ClientAddress: clientAddress,
		Registry:      reg,
		Sender:        sender,
	}
}

var observationCounter uint64

func init() {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err == nil {
		atomic.StoreUint64(&observationCounter, binary.BigEndian.Uint64(seed[:])>>1)
	}
}

// nextObservationID mints a fresh, process-unique, non-negative 63-bit id,
// grounded on go-ethereum's rpc.NewID pattern of seeding a generator from
// crypto/rand once at startup rather than per-call.
func nextObservationID() uint64 {
	id := atomic.AddUint64(&observationCounter, 1)
	return id &^ (1 << 63)
}
