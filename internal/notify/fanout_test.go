package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/remote"
	"go.uber.org/zap"
)

func newFanoutFixture(t *testing.T, focus *FocusRegistry) (*bus.Bus, <-chan bus.Event) {
	t.Helper()
	b := bus.New()
	f := NewFanout(b, focus, zap.NewNop())
	out, unsub := b.Subscribe("notify.signal", 64)
	t.Cleanup(unsub)
	f.Start(context.Background())
	t.Cleanup(f.Stop)
	return b, out
}

func waitEvent(t *testing.T, ch <-chan bus.Event, what string) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", what)
		return bus.Event{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan bus.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func signal(id, conversation string) bus.Event {
	return bus.Event{ID: id, Payload: &remote.Signal{
		ID: id, Conversation: conversation, Kind: "message", Title: "Bia", Body: "oi",
	}}
}

func TestSignalFansOutOnce(t *testing.T) {
	b, out := newFanoutFixture(t, nil)

	evt := signal("sig-1", "conv-1")
	evt.Kind = "remote.signal"
	b.Publish(evt)

	got := waitEvent(t, out, "notify.signal")
	if sig := got.Payload.(*remote.Signal); sig.ID != "sig-1" {
		t.Errorf("signal = %+v", sig)
	}
}

func TestDuplicateAcrossProducersDropped(t *testing.T) {
	b, out := newFanoutFixture(t, nil)

	// Realtime delivers first; the poll fallback sees the same signal later.
	rt := signal("sig-1", "conv-1")
	rt.Kind = "remote.signal"
	b.Publish(rt)
	waitEvent(t, out, "first delivery")

	poll := signal("sig-1", "conv-1")
	poll.Kind = "poll.signal"
	b.Publish(poll)
	expectNoEvent(t, out)
}

func TestFocusedConversationSuppressed(t *testing.T) {
	focus := NewFocusRegistry()
	b, out := newFanoutFixture(t, focus)
	focus.SetFocus("conv-1")

	evt := signal("sig-1", "conv-1")
	evt.Kind = "remote.signal"
	b.Publish(evt)
	expectNoEvent(t, out)

	// Other conversations still surface.
	other := signal("sig-2", "conv-2")
	other.Kind = "remote.signal"
	b.Publish(other)
	waitEvent(t, out, "unfocused signal")

	// Clearing focus restores delivery for new signals.
	focus.SetFocus("")
	later := signal("sig-3", "conv-1")
	later.Kind = "remote.signal"
	b.Publish(later)
	waitEvent(t, out, "signal after blur")
}

func TestSeenWindowAgesOut(t *testing.T) {
	b, out := newFanoutFixture(t, nil)

	first := signal("sig-0", "conv-1")
	first.Kind = "remote.signal"
	b.Publish(first)
	waitEvent(t, out, "first")

	// Push the first ID out of the window.
	for i := 1; i <= seenLimit; i++ {
		evt := signal(fmt.Sprintf("sig-%d", i), "conv-1")
		evt.Kind = "remote.signal"
		b.Publish(evt)
		waitEvent(t, out, "filler")
	}

	again := signal("sig-0", "conv-1")
	again.Kind = "poll.signal"
	b.Publish(again)
	got := waitEvent(t, out, "aged-out redelivery")
	if sig := got.Payload.(*remote.Signal); sig.ID != "sig-0" {
		t.Errorf("signal = %+v", sig)
	}
}
