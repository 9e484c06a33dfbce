package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeRunStarted, Data: RunEvent{RunID: "r1", Total: 3}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TypeRunStarted || e.Time.IsZero() {
			t.Fatalf("unexpected event: %+v", e)
		}
		if re, ok := e.Data.(RunEvent); !ok || re.RunID != "r1" {
			t.Fatalf("unexpected payload: %#v", e.Data)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	if e := <-ch; e.Type != "a" {
		t.Fatalf("expected first event kept, got %q", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected overflow dropped, got %q", e.Type)
	default:
	}

	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	b.Publish(Event{Type: "after"})
}
