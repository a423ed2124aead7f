package errorx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMisuse(t *testing.T) {
	err := NewMisuse(ErrOpenChildren, WithComponent(ComponentRecorder), WithField("entity_id", "abc"))

	assert.True(t, IsMisuse(err))
	assert.False(t, IsTransport(err))
	assert.True(t, Is(err, ErrOpenChildren))
	assert.Equal(t, ComponentRecorder, ComponentOf(err))
	assert.Equal(t, "abc", err.Fields["entity_id"])
	assert.Equal(t, "code=1002 msg=entity still has open subsegments", err.Error())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrSend))

	base := errors.New("connection refused")
	err := Wrap(base, ErrSend, WithType(ErrTypeTransport))
	require.NotNil(t, err)
	assert.ErrorIs(t, err, base)
	assert.True(t, IsTransport(err))

	// 已经是 *Error 时只补 option，不再套一层
	outer := fmt.Errorf("send: %w", err)
	again := Wrap(outer, ErrDefault, WithField("attempt", 2))
	assert.Same(t, err, again)
	assert.Equal(t, 2, again.Fields["attempt"])
	assert.True(t, Is(outer, ErrSend))
}

func TestComponentOfPlainError(t *testing.T) {
	assert.Equal(t, ComponentDefault, ComponentOf(errors.New("x")))
	assert.False(t, Is(nil, ErrSend))
}
