package rpcerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	err := Invocation("method failed", cause)
	assert.Contains(t, err.Error(), "invocation")
	assert.Contains(t, err.Error(), "method failed")
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, cause, err.Unwrap())
}

func TestIsClassifiesKind(t *testing.T) {
	err := Protocol("bad frame", nil)
	assert.True(t, Is(err, KindProtocol))
	assert.False(t, Is(err, KindTransport))
	assert.False(t, Is(errors.New("plain"), KindProtocol))
}

func TestSentinels(t *testing.T) {
	assert.True(t, Is(ErrClosed, KindLifecycle))
	assert.True(t, Is(ErrBrokerUnavailable, KindTransport))
}
