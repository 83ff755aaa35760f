package codec

import (
	"fmt"
	"reflect"

	"github.com/tenzoki/rpcserver/internal/registry"
	"github.com/tenzoki/rpcserver/internal/stream"
)

// EncodeReply builds the wire Reply for a host-method result, running the
// stream-aware reflection pass over value so any stream.Streamer nested
// anywhere inside it is replaced with an ObservationId and a live
// subscription.
func EncodeReply(ctx *ReplyCodecContext, requestID uint64, value interface{}, invocationErr error) (Reply, error) {
	if invocationErr != nil {
		return Reply{RequestID: requestID, Ok: false, Error: invocationErr.Error()}, nil
	}

	wireValue, err := encodeValue(ctx, reflect.ValueOf(value))
	if err != nil {
		return Reply{}, err
	}
	return Reply{RequestID: requestID, Ok: true, Value: wireValue}, nil
}

// EncodeObservationValue runs the same stream-aware pass over a single
// emitted value, used by the forwarder so nested streams inside an
// emission get their own ObservationId.
func EncodeObservationValue(ctx *ReplyCodecContext, value interface{}) (interface{}, error) {
	return encodeValue(ctx, reflect.ValueOf(value))
}

var streamerType = reflect.TypeOf((*stream.Streamer)(nil)).Elem()

// encodeValue recursively rewrites v into plain msgpack-friendly data
// (map[string]interface{}, []interface{}, scalars), substituting any value
// implementing stream.Streamer with a registered ObservationId.
func encodeValue(ctx *ReplyCodecContext, v reflect.Value) (interface{}, error) {
	if !v.IsValid() {
		return nil, nil
	}

	if v.CanInterface() && v.Type().Implements(streamerType) {
		if (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) && v.IsNil() {
			return nil, nil
		}
		streamer := v.Interface().(stream.Streamer)
		return registerStream(ctx, streamer)
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return nil, nil
		}
		return encodeValue(ctx, v.Elem())

	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return encodeValue(ctx, v.Elem())

	case reflect.Struct:
		out := make(map[string]interface{}, v.NumField())
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" { // unexported
				continue
			}
			name := field.Tag.Get("msgpack")
			if name == "" {
				name = field.Name
			}
			encoded, err := encodeValue(ctx, v.Field(i))
			if err != nil {
				return nil, err
			}
			out[name] = encoded
		}
		return out, nil

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		out := make([]interface{}, v.Len())
		for i := 0; i < v.Len(); i++ {
			encoded, err := encodeValue(ctx, v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = encoded
		}
		return out, nil

	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			encoded, err := encodeValue(ctx, iter.Value())
			if err != nil {
				return nil, err
			}
			out[keyToString(iter.Key())] = encoded
		}
		return out, nil

	default:
		if !v.CanInterface() {
			return nil, nil
		}
		return v.Interface(), nil
	}
}

// keyToString renders an arbitrary map key as a msgpack-friendly map key.
// reflect.Value.String() only formats Kind == String usefully — for every
// other kind it returns the literal placeholder "<T Value>", which would
// collapse every non-string key to the same bogus string. fmt.Sprint uses
// the value's actual representation instead.
func keyToString(v reflect.Value) string {
	if v.Kind() == reflect.String {
		return v.String()
	}
	return fmt.Sprint(v.Interface())
}

// registerStream mints an ObservationId, subscribes to the stream so every
// emission is materialized and forwarded, and registers the subscription so
// the Subscription Registry and the Reaper can manage its lifetime.
func registerStream(ctx *ReplyCodecContext, streamer stream.Streamer) (uint64, error) {
	id := nextObservationID()

	cancel := streamer.Subscribe(
		func(v interface{}) { ctx.Sender.Enqueue(ctx.RequestID, id, OnNext(v)) },
		func(err error) { ctx.Sender.Enqueue(ctx.RequestID, id, OnError(err)) },
		func() { ctx.Sender.Enqueue(ctx.RequestID, id, OnCompleted()) },
	)

	if err := ctx.Registry.Insert(id, registry.Record{ClientAddress: ctx.ClientAddress, Cancel: cancel}); err != nil {
		cancel()
		return 0, err
	}

	return id, nil
}
