// Package dispatcher implements the Request Dispatcher: it decodes an
// ingress ClientMessage, resolves the caller's principal, invokes the
// matching host method with that principal visible via context, and sends
// the reply through the Session Pool.
package dispatcher

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tenzoki/rpcserver/internal/auth"
	"github.com/tenzoki/rpcserver/internal/codec"
	"github.com/tenzoki/rpcserver/internal/forwarder"
	"github.com/tenzoki/rpcserver/internal/registry"
	"github.com/tenzoki/rpcserver/internal/rpcerr"
	"github.com/tenzoki/rpcserver/internal/sessionpool"
	"github.com/tenzoki/rpcserver/internal/transport"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type principalKey struct{}

// PrincipalFromContext returns the UserPrincipal installed for the
// duration of the current host-method invocation — the scoped per-call
// ambient context for the duration of one invocation.
func PrincipalFromContext(ctx context.Context) (auth.UserPrincipal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.UserPrincipal)
	return p, ok
}

// Dispatcher is the Request Dispatcher.
type Dispatcher struct {
	host      interface{}
	methods   map[string]reflect.Value
	legalName string
	resolver  auth.Resolver

	registry  *registry.Registry
	pool      *sessionpool.Pool
	forwarder *forwarder.Forwarder
	logger    logrus.FieldLogger

	jobs chan func()
	wg   sync.WaitGroup
}

// New builds the dispatcher's name->method table by reflecting over host's
// exported methods. A method qualifies if its first parameter is a
// context.Context and it returns either (error) or (T, error) for any T —
// anything else is skipped. threadPoolSize sizes the fixed worker pool
// that runs invocations and sends replies.
func New(host interface{}, legalName string, resolver auth.Resolver, reg *registry.Registry, pool *sessionpool.Pool, fwd *forwarder.Forwarder, logger logrus.FieldLogger, threadPoolSize int) (*Dispatcher, error) {
	if threadPoolSize <= 0 {
		threadPoolSize = 1
	}

	methods, err := buildMethodTable(host)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		host:      host,
		methods:   methods,
		legalName: legalName,
		resolver:  resolver,
		registry:  reg,
		pool:      pool,
		forwarder: fwd,
		logger:    logger,
		jobs:      make(chan func(), 4096),
	}

	for i := 0; i < threadPoolSize; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d, nil
}

func buildMethodTable(host interface{}) (map[string]reflect.Value, error) {
	v := reflect.ValueOf(host)
	t := v.Type()

	methods := make(map[string]reflect.Value)
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		methodType := m.Func.Type()

		// methodType.In(0) is the receiver; In(1) must be context.Context.
		if methodType.NumIn() < 2 || !methodType.In(1).Implements(contextType) {
			continue
		}

		numOut := methodType.NumOut()
		valid := (numOut == 1 && methodType.Out(0).Implements(errorType)) ||
			(numOut == 2 && methodType.Out(1).Implements(errorType))
		if !valid {
			continue
		}

		if _, exists := methods[m.Name]; exists {
			return nil, fmt.Errorf("dispatcher: duplicate method name %q on host object", m.Name)
		}
		methods[m.Name] = v.Method(i)
	}
	return methods, nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		job()
	}
}

// HandleFrame decodes one ingress frame and schedules its processing. ack
// is called once the job has been handed to the worker pool, not once the
// invocation has finished running.
func (d *Dispatcher) HandleFrame(ctx context.Context, frame transport.Frame, ack func()) {
	msg, err := codec.UnmarshalClientMessage(frame.Payload)
	if err != nil {
		d.logger.WithError(err).Warn("dropping undecodable ingress message")
		ack()
		return
	}

	switch msg.Type {
	case codec.ClientMessageObservablesClosed:
		d.registry.Invalidate(msg.ObservablesClosed)
		ack()

	case codec.ClientMessageRequest:
		if msg.Request == nil {
			d.logger.Warn("dropping request message with nil body")
			ack()
			return
		}
		req := *msg.Request
		validatedUser, _ := frame.ValidatedUser()

		// A full queue blocks here rather than dropping the request; the
		// worker pool is the backpressure point, not the ingress consumer.
		d.jobs <- func() { d.serve(req, validatedUser) }
		ack()

	default:
		d.logger.WithField("type", msg.Type).Warn("dropping ingress message of unknown type")
		ack()
	}
}

func (d *Dispatcher) serve(req codec.Request, validatedUser string) {
	principal, authErr := auth.Resolve(d.resolver, validatedUser, d.legalName)

	var (
		result   interface{}
		callErr  error
	)

	if authErr != nil {
		callErr = authErr
	} else {
		method, ok := d.methods[req.Method]
		if !ok {
			callErr = rpcerr.Protocol("unknown method — possible version skew: "+req.Method, nil)
		} else {
			principalCtx := context.WithValue(context.Background(), principalKey{}, principal)
			result, callErr = invoke(principalCtx, method, req.Args)
		}
	}

	encodeCtx := codec.NewReplyCodecContext(req.RequestID, req.ClientAddress, d.registry, d.forwarder)
	reply, err := codec.EncodeReply(encodeCtx, req.RequestID, result, callErr)
	if err != nil {
		d.logger.WithError(err).WithField("request_id", req.RequestID).Warn("dropping reply: encode failed")
		d.forwarder.ReleaseGate(req.RequestID)
		return
	}

	payload, err := codec.MarshalServerMessage(codec.ServerMessage{Type: codec.ServerMessageReply, Reply: &reply})
	if err != nil {
		d.logger.WithError(err).WithField("request_id", req.RequestID).Warn("dropping reply: marshal failed")
		d.forwarder.ReleaseGate(req.RequestID)
		return
	}

	pair, err := d.pool.ClaimSticky(sessionpool.StickyKeyForRequest(req.RequestID))
	if err != nil {
		d.logger.WithError(err).WithField("request_id", req.RequestID).Warn("dropping reply: no session available")
		d.forwarder.ReleaseGate(req.RequestID)
		return
	}
	sendErr := pair.Send(context.Background(), transport.NewFrame(req.ClientAddress, payload))
	pair.Release()
	if sendErr != nil {
		d.logger.WithError(sendErr).WithField("request_id", req.RequestID).Warn("dropping reply: transport send failed")
	}

	// Reply has been sent (or definitively dropped); any stream this reply
	// registered may now be forwarded.
	d.forwarder.ReleaseGate(req.RequestID)
}

// invoke calls method with args converted to its declared parameter types,
// unwrapping a single-level panic-as-error is not applicable in Go (no
// invocation-target wrapper); the method's own error return is the cause.
func invoke(ctx context.Context, method reflect.Value, args []interface{}) (interface{}, error) {
	methodType := method.Type()
	expectedArgs := methodType.NumIn() - 1 // exclude context.Context

	if len(args) != expectedArgs {
		return nil, rpcerr.Protocol(fmt.Sprintf("argument count mismatch: expected %d, got %d", expectedArgs, len(args)), nil)
	}

	in := make([]reflect.Value, 0, methodType.NumIn())
	in = append(in, reflect.ValueOf(ctx))

	for i, arg := range args {
		target := methodType.In(i + 1)
		converted, err := convertArg(arg, target)
		if err != nil {
			return nil, rpcerr.Protocol(fmt.Sprintf("argument %d: %v", i, err), nil)
		}
		in = append(in, converted)
	}

	out := method.Call(in)

	if len(out) == 1 {
		if out[0].IsNil() {
			return nil, nil
		}
		return nil, rpcerr.Invocation("host method returned an error", out[0].Interface().(error))
	}

	var resultErr error
	if !out[1].IsNil() {
		resultErr = rpcerr.Invocation("host method returned an error", out[1].Interface().(error))
	}
	return out[0].Interface(), resultErr
}

func convertArg(arg interface{}, target reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch target.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
			return reflect.Zero(target), nil
		default:
			return reflect.Value{}, fmt.Errorf("cannot pass nil as %s", target)
		}
	}

	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(target) {
		return v, nil
	}
	if v.Type().ConvertibleTo(target) {
		return v.Convert(target), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", arg, target)
}

// Close stops accepting new jobs and waits for in-flight invocations to
// finish.
func (d *Dispatcher) Close() {
	close(d.jobs)
	d.wg.Wait()
}
