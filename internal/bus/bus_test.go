package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conn.established", Timestamp: time.Now()})

	select {
	case evt := <-ch:
		if evt.Kind != "conn.established" {
			t.Errorf("got kind %q, want conn.established", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNamespaceFilter(t *testing.T) {
	b := New()
	connCh, unsub1 := b.Subscribe("conn.", 10)
	defer unsub1()
	msgCh, unsub2 := b.Subscribe("message.", 10)
	defer unsub2()
	allCh, unsub3 := b.Subscribe("", 10)
	defer unsub3()

	b.Publish(Event{Kind: "message.upserted"})

	select {
	case <-msgCh:
	case <-time.After(time.Second):
		t.Fatal("message subscriber did not receive event")
	}
	select {
	case <-allCh:
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}
	select {
	case evt := <-connCh:
		t.Errorf("conn subscriber received unrelated event %q", evt.Kind)
	default:
	}
}

func TestPublishDoesNotBlockOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("x.", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: "x.y"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	// The one buffered event is still deliverable.
	select {
	case <-ch:
	default:
		t.Error("buffered event lost")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("a.", 10)
	unsub()

	b.Publish(Event{Kind: "a.b"})
	select {
	case evt := <-ch:
		t.Errorf("received %q after unsubscribe", evt.Kind)
	default:
	}
}
