package dispatcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStoreErrorResourceBusyMessage(t *testing.T) {
	e := classifyStoreError(errors.New("database is locked"))
	assert.Equal(t, KindResourceBusy, e.Type)
	assert.Equal(t, "Resource is temporarily busy. Wait a moment and try again.", e.Message)
	assert.True(t, e.Recoverable)
}

func TestClassifyStoreErrorDatabaseErrorMessage(t *testing.T) {
	e := classifyStoreError(errors.New("no such table: projects"))
	assert.Equal(t, KindDatabaseError, e.Type)
	assert.Equal(t, "A database error occurred. This may be a transient issue - try again.", e.Message)
	assert.True(t, e.Recoverable)
}

func TestClassifyStoreErrorCorruptionIsUnrecoverable(t *testing.T) {
	e := classifyStoreError(errors.New("database disk image is malformed"))
	assert.Equal(t, KindDatabaseCorruption, e.Type)
	assert.False(t, e.Recoverable)
}

func TestUnhandledRetainsRecoveredValue(t *testing.T) {
	e := unhandled(errors.New("boom"))
	assert.Equal(t, KindUnhandledException, e.Type)
	assert.Contains(t, e.Message, "boom")
	assert.Contains(t, e.Message, "Unexpected error (")
	assert.False(t, e.Recoverable)
}

func TestUnhandledWithNonErrorPanicValue(t *testing.T) {
	e := unhandled("a bare string panic")
	assert.Contains(t, e.Message, "a bare string panic")
}
