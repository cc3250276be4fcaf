package events

import (
	"sync"
	"testing"
	"time"
)

func TestBusDeliversInOrder(t *testing.T) {
	b := New[int]("test")
	var mu sync.Mutex
	var got []int
	b.Subscribe(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	for i := 0; i < 100; i++ {
		b.Publish(i)
	}
	b.Close()

	if len(got) != 100 {
		t.Fatalf("delivered %d events, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d = %d, want %d", i, v, i)
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := New[string]("test")
	defer b.Close()
	ch := make(chan string, 4)
	unsub := b.Subscribe(func(s string) { ch <- s })
	b.Publish("a")
	select {
	case v := <-ch:
		if v != "a" {
			t.Fatalf("got %q, want a", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	unsub()
	unsub()
	b.Publish("b")
	b.Close()
	if len(ch) != 0 {
		t.Errorf("unsubscribed handler received %q", <-ch)
	}
}

func TestBusSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	b := New[int]("test")
	ch := make(chan int, 2)
	b.Subscribe(func(v int) {
		if v == 1 {
			panic("boom")
		}
	})
	b.Subscribe(func(v int) { ch <- v })
	b.Publish(1)
	b.Publish(2)
	b.Close()
	if len(ch) != 2 {
		t.Fatalf("second subscriber saw %d events, want 2", len(ch))
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	b := New[int]("test")
	b.Close()
	b.Publish(1)
	b.Close()
}
