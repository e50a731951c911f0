// ABOUTME: Tests for the engine error taxonomy helpers
// ABOUTME: Checks Kind matching through wrapping and error message formatting

package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_KindMatching(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("connecting: %w", newError(KindTransport, "dial", cause))

	assert.Equal(t, KindTransport, KindOf(err))
	assert.True(t, errors.Is(err, &Error{Kind: KindTransport}))
	assert.False(t, errors.Is(err, &Error{Kind: KindDecode}))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsFatal(err))
	assert.Equal(t, Kind(0), KindOf(cause))
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindSessionRejected, Op: "resume", Code: 40107, Err: errors.New("session expired")}
	assert.Equal(t, "resume: session_rejected (code 40107): session expired", err.Error())

	fatal := &Error{Kind: KindFatalShutdown}
	assert.True(t, IsFatal(fatal))
	assert.Equal(t, "fatal_shutdown", fatal.Error())
}
