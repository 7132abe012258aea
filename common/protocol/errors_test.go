package protocol

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfClassifiesWrappedErrors(t *testing.T) {
	err := NewError(ErrUnknownSession, "unknown session %d", 7)
	wrapped := fmt.Errorf("submit failed: %w", err)

	assert.Equal(t, ErrUnknownSession, CodeOf(err))
	assert.Equal(t, ErrUnknownSession, CodeOf(wrapped))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, ErrTransport, CodeOf(fmt.Errorf("connection reset")))
}

func TestClassifyDecisionTable(t *testing.T) {
	cases := []struct {
		code   ErrorCode
		action Action
	}{
		{ErrTimeout, ActionRetry},
		{ErrNoLeader, ActionRetry},
		{ErrTransport, ActionRetry},
		{ErrUnknownSession, ActionReregister},
		{ErrClosedSession, ActionFail},
		{ErrApplication, ActionFail},
		{ErrProtocol, ActionFail},
		{ErrInternal, ActionFail},
	}
	for _, c := range cases {
		assert.Equal(t, c.action, Classify(NewError(c.code, "")), "code %s", c.code)
	}
	assert.Equal(t, ActionRetry, Classify(fmt.Errorf("dial tcp: refused")), "unclassified errors retry as transport failures")
}

func TestFatalOnlyForSequencingViolations(t *testing.T) {
	assert.True(t, Fatal(NewError(ErrNonSequential, "")))
	assert.True(t, Fatal(NewError(ErrDuplicateApply, "")))
	assert.False(t, Fatal(NewError(ErrUnknownSession, "")))
	assert.False(t, Fatal(NewError(ErrApplication, "boom")))
	assert.False(t, Fatal(nil))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "TIMEOUT", (&Error{Code: ErrTimeout}).Error())
	assert.Equal(t, "TIMEOUT: request timed out", NewError(ErrTimeout, "request timed out").Error())
}
