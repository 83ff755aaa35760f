package server

import (
	"context"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenzoki/rpcserver/internal/auth"
	"github.com/tenzoki/rpcserver/internal/codec"
	"github.com/tenzoki/rpcserver/internal/config"
	"github.com/tenzoki/rpcserver/internal/stream"
	"github.com/tenzoki/rpcserver/internal/transport"
	"github.com/tenzoki/rpcserver/internal/transport/memory"
)

type host struct{}

func (host) Add(ctx context.Context, a, b int64) (interface{}, error) { return a + b, nil }

func (host) Ticks(ctx context.Context, n int64) (interface{}, error) {
	values := make([]int64, n)
	for i := range values {
		values[i] = int64(i + 1)
	}
	return stream.FromSlice(values), nil
}

// NestedStreams returns a stream whose own emissions are themselves
// streams, each independently closable from the outer one and from each
// other.
func (host) NestedStreams(ctx context.Context) (interface{}, error) {
	return stream.FromSlice([]*stream.Observable[int64]{
		stream.FromSlice([]int64{1, 2}),
		stream.FromSlice([]int64{3, 4}),
	}), nil
}

func allowAll() auth.Resolver {
	return auth.ResolveFunc(func(name string) (auth.UserPrincipal, bool) {
		return auth.UserPrincipal{Name: name}, true
	})
}

func newTestServer(t *testing.T) (*Server, *memory.Broker) {
	t.Helper()
	broker := memory.NewBroker()
	cfg := config.Default()
	cfg.Reaper.IntervalMs = 50

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s, err := New(cfg, broker, host{}, "server-legal-name", allowAll(), logger)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })

	return s, broker
}

func subscribeClient(t *testing.T, broker *memory.Broker, address string) <-chan transport.Frame {
	t.Helper()
	sess, err := broker.NewSession()
	require.NoError(t, err)
	consumer, err := sess.NewConsumer(address)
	require.NoError(t, err)

	received := make(chan transport.Frame, 16)
	require.NoError(t, consumer.Start(context.Background(), func(_ context.Context, frame transport.Frame, ack func()) {
		received <- frame
		ack()
	}))
	return received
}

func sendRequest(t *testing.T, broker *memory.Broker, requestID uint64, method string, args []interface{}, clientAddress string) {
	t.Helper()
	msg := codec.ClientMessage{
		Type: codec.ClientMessageRequest,
		Request: &codec.Request{
			RequestID:     requestID,
			Method:        method,
			Args:          args,
			ClientAddress: clientAddress,
		},
	}
	raw, err := codec.MarshalClientMessage(msg)
	require.NoError(t, err)

	frame := transport.NewFrame("RPC_SERVER_QUEUE", raw)
	frame.Properties[transport.ValidatedUserHeader] = "alice"

	sess, err := broker.NewSession()
	require.NoError(t, err)
	producer, err := sess.NewProducer("")
	require.NoError(t, err)
	require.NoError(t, producer.Send(context.Background(), frame))
}

func readMessage(t *testing.T, received <-chan transport.Frame) codec.ServerMessage {
	t.Helper()
	select {
	case frame := <-received:
		msg, err := codec.UnmarshalServerMessage(frame.Payload)
		require.NoError(t, err)
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return codec.ServerMessage{}
}

func TestEndToEndSimpleValue(t *testing.T) {
	_, broker := newTestServer(t)
	received := subscribeClient(t, broker, "RPC_CLIENT_QUEUE.q1")

	sendRequest(t, broker, 7, "Add", []interface{}{int64(2), int64(3)}, "RPC_CLIENT_QUEUE.q1")

	msg := readMessage(t, received)
	require.NotNil(t, msg.Reply)
	assert.Equal(t, uint64(7), msg.Reply.RequestID)
	assert.True(t, msg.Reply.Ok)
}

func TestEndToEndStreamThenClose(t *testing.T) {
	s, broker := newTestServer(t)
	received := subscribeClient(t, broker, "RPC_CLIENT_QUEUE.q2")

	sendRequest(t, broker, 8, "Ticks", []interface{}{int64(3)}, "RPC_CLIENT_QUEUE.q2")

	reply := readMessage(t, received)
	require.NotNil(t, reply.Reply)
	require.True(t, reply.Reply.Ok)

	var terminal bool
	for i := 0; i < 4; i++ {
		obs := readMessage(t, received)
		require.NotNil(t, obs.Observation)
		if obs.Observation.Kind == codec.NotificationCompleted {
			terminal = true
		}
	}
	assert.True(t, terminal)
	assert.Equal(t, 1, s.registry.Len())
}

func TestEndToEndUnknownMethodIsServed(t *testing.T) {
	_, broker := newTestServer(t)
	received := subscribeClient(t, broker, "RPC_CLIENT_QUEUE.q3")

	sendRequest(t, broker, 9, "NoSuchMethod", nil, "RPC_CLIENT_QUEUE.q3")

	msg := readMessage(t, received)
	require.NotNil(t, msg.Reply)
	assert.False(t, msg.Reply.Ok)
}

func TestCloseIsIdempotentAndReleasesSubscriptions(t *testing.T) {
	s, broker := newTestServer(t)
	received := subscribeClient(t, broker, "RPC_CLIENT_QUEUE.q4")

	sendRequest(t, broker, 10, "Ticks", []interface{}{int64(1)}, "RPC_CLIENT_QUEUE.q4")
	readMessage(t, received)
	readMessage(t, received)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 0, s.registry.Len())
}

// toInt64 coerces a msgpack-decoded numeric interface{} to int64 regardless
// of which concrete integer kind the library chose for it.
func toInt64(t *testing.T, v interface{}) int64 {
	t.Helper()
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	default:
		t.Fatalf("expected an integer value, got %T (%v)", v, v)
		return 0
	}
}

// TestEndToEndNestedStreamEmissionsAreIndependentlyObservable drives a
// stream whose own emissions are themselves streams all the way through the
// dispatcher and forwarder: the outer stream's emissions must each carry a
// distinct, freshly minted ObservationId (from forwarder.deliver's own
// EncodeObservationValue pass, not just EncodeReply's), and every nested
// stream must deliver its own values and completion independently.
func TestEndToEndNestedStreamEmissionsAreIndependentlyObservable(t *testing.T) {
	s, broker := newTestServer(t)
	received := subscribeClient(t, broker, "RPC_CLIENT_QUEUE.q6")

	sendRequest(t, broker, 20, "NestedStreams", nil, "RPC_CLIENT_QUEUE.q6")

	reply := readMessage(t, received)
	require.NotNil(t, reply.Reply)
	require.True(t, reply.Reply.Ok)
	outerID := uint64(toInt64(t, reply.Reply.Value))

	var (
		nestedIDs    []uint64
		nestedValues = map[uint64][]int64{}
		nestedDone   = map[uint64]bool{}
		outerDone    bool
	)

	deadline := time.After(2 * time.Second)
	for len(nestedDone) < 2 || !outerDone {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for nested stream delivery; nestedIDs=%v nestedDone=%v outerDone=%v", nestedIDs, nestedDone, outerDone)
		default:
		}
		msg := readMessage(t, received)
		require.NotNil(t, msg.Observation)
		obs := msg.Observation

		if obs.ObservationID == outerID {
			switch obs.Kind {
			case codec.NotificationNext:
				nestedIDs = append(nestedIDs, uint64(toInt64(t, obs.Value)))
			case codec.NotificationCompleted:
				outerDone = true
			}
			continue
		}

		switch obs.Kind {
		case codec.NotificationNext:
			nestedValues[obs.ObservationID] = append(nestedValues[obs.ObservationID], toInt64(t, obs.Value))
		case codec.NotificationCompleted:
			nestedDone[obs.ObservationID] = true
		}
	}

	require.Len(t, nestedIDs, 2, "outer stream must emit one ObservationId per nested stream")
	assert.NotEqual(t, nestedIDs[0], nestedIDs[1], "each nested stream must get its own ObservationId")
	for _, id := range nestedIDs {
		assert.True(t, nestedDone[id], "nested stream %d must complete independently", id)
		assert.NotEmpty(t, nestedValues[id], "nested stream %d must deliver its own values", id)
	}

	assert.GreaterOrEqual(t, s.registry.Len(), 1)
}

func TestReaperCollectsOrphanedSubscription(t *testing.T) {
	s, broker := newTestServer(t)
	subscribeClient(t, broker, "RPC_CLIENT_QUEUE.q5")

	sendRequest(t, broker, 11, "Ticks", []interface{}{int64(1)}, "RPC_CLIENT_QUEUE.q5")
	time.Sleep(50 * time.Millisecond)

	broker.DeleteQueue("RPC_CLIENT_QUEUE.q5")

	require.Eventually(t, func() bool {
		return s.registry.Len() == 0
	}, 2*time.Second, 20*time.Millisecond)
}
