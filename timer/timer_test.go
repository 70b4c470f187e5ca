package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDeliversFiredAfterDuration(t *testing.T) {
	w := New(4)
	h := w.Register(10*time.Millisecond, "hello")

	select {
	case f := <-w.C:
		assert.Equal(t, h, f.Handle)
		assert.Equal(t, "hello", f.Data)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelPreventsDelivery(t *testing.T) {
	w := New(4)
	h := w.Register(30*time.Millisecond, "cancel-me")
	w.Cancel(h)

	select {
	case f := <-w.C:
		t.Fatalf("cancelled timer still fired: %+v", f)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestResetReplacesPreviousTimer(t *testing.T) {
	w := New(4)
	var h Handle
	w.Reset(&h, 20*time.Millisecond, "first")
	firstHandle := h

	w.Reset(&h, 10*time.Millisecond, "second")
	require.NotEqual(t, Handle(0), h)
	assert.NotEqual(t, firstHandle, h)

	select {
	case f := <-w.C:
		assert.Equal(t, h, f.Handle)
		assert.Equal(t, "second", f.Data)
	case <-time.After(time.Second):
		t.Fatal("reset timer never fired")
	}
}

func TestResetWithZeroHandleRegistersWithoutCancelling(t *testing.T) {
	w := New(4)
	var h Handle
	w.Reset(&h, 5*time.Millisecond, "only")
	assert.NotEqual(t, Handle(0), h)
}
