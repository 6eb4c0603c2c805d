package events

import (
	"testing"
	"time"
)

func TestSubscribersReceivePublishOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe(16)
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Kind: TargetStarted, TargetID: string(rune('a' + i))})
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-sub.Events:
			want := string(rune('a' + i))
			if ev.TargetID != want {
				t.Fatalf("event %d: got %q, want %q (publish order violated)", i, ev.TargetID, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: CacheMiss})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber ring")
	}

	degraded, overflows := sub.Degraded()
	if !degraded || overflows == 0 {
		t.Fatalf("expected subscriber to report degraded with overflows, got degraded=%v overflows=%d", degraded, overflows)
	}
}

func TestMultipleSubscribersEachGetEveryEvent(t *testing.T) {
	b := New()
	a := b.Subscribe(16)
	c := b.Subscribe(16)
	defer a.Unsubscribe()
	defer c.Unsubscribe()

	b.Publish(Event{Kind: ActionHit, TargetID: "x"})

	for _, sub := range []*Subscription{a, c} {
		select {
		case ev := <-sub.Events:
			if ev.TargetID != "x" {
				t.Fatalf("got %q, want x", ev.TargetID)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}
