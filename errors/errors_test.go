package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Equal(t, "wrapped: original", wrapped.Error())
	assert.True(t, Is(wrapped, original))
}

type customError struct {
	msg string
}

func (e *customError) Error() string {
	return e.msg
}

func TestAs(t *testing.T) {
	wrapped := Wrap(&customError{msg: "custom"}, "wrapped")

	var target *customError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, "custom", target.msg)
}

func TestSentinels(t *testing.T) {
	notFound := NewNotFoundError("source %q", "geo")
	assert.True(t, IsNotFoundError(notFound))
	assert.Contains(t, notFound.Error(), `source "geo"`)
	assert.False(t, IsNotFoundError(nil))

	conflict := Wrap(ErrConflict, "slug taken")
	assert.True(t, IsConflictError(conflict))
	assert.False(t, IsConflictError(New("other")))

	assert.True(t, Is(NewInvalidRequestError("bad cadence"), ErrInvalidRequest))
}

func TestMark(t *testing.T) {
	sentinel := New("job active")
	err := Mark(New("constraint failed"), sentinel)

	assert.True(t, Is(err, sentinel))
	assert.Equal(t, "constraint failed", err.Error())
}

func TestDetails(t *testing.T) {
	assert.Empty(t, Details(nil))

	details := Details(Wrap(New("boom"), "initialize"))
	assert.Contains(t, details, "initialize: boom")
	assert.Contains(t, details, "errors_test.go", "details should include the stack")
	assert.NotNil(t, GetStack(New("x")))
}
