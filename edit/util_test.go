package edit

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	aCount := 0
	bCount := 0
	aId := callbacks.Add(func() {
		aCount += 1
	})
	callbacks.Add(func() {
		bCount += 1
	})

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, 1, aCount)
	assert.Equal(t, 1, bCount)

	callbacks.Remove(aId)
	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, 1, aCount)
	assert.Equal(t, 2, bCount)

	// removing twice is a no-op
	callbacks.Remove(aId)
	assert.Equal(t, 1, len(callbacks.Get()))
}

func TestCallbackListSnapshot(t *testing.T) {
	callbacks := NewCallbackList[func()]()
	callbacks.Add(func() {})

	// Get returns a snapshot that a later Remove does not mutate
	snapshot := callbacks.Get()
	id := callbacks.Add(func() {})
	callbacks.Remove(id)
	assert.Equal(t, 1, len(snapshot))
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatalf("channel closed before notify")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	default:
		t.Fatalf("channel not closed by notify")
	}

	// a fresh channel is armed after each notify
	next := monitor.NotifyChannel()
	select {
	case <-next:
		t.Fatalf("fresh channel already closed")
	default:
	}
}
