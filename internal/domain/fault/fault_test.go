package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindProviderTimeout, KindOf(New(KindProviderTimeout, "slow")))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))

	// kind survives wrapping
	wrapped := fmt.Errorf("outer: %w", New(KindDecodeFailed, "bad stream"))
	assert.Equal(t, KindDecodeFailed, KindOf(wrapped))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, 429, StatusOf(WithStatus(KindProviderUnavailable, "rate limited", 429)))
	assert.Equal(t, 0, StatusOf(New(KindProviderUnavailable, "down")))
	assert.Equal(t, 0, StatusOf(errors.New("plain")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New(KindProviderUnavailable, "down")))
	assert.True(t, IsTransient(New(KindProviderTimeout, "slow")))
	assert.False(t, IsTransient(New(KindDecodeFailed, "corrupt")))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindProviderUnavailable, "network error", cause)

	assert.Contains(t, err.Error(), "network error")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
}
