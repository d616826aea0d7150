package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindCycleStart})
	b.Emit(SourceAgent, KindCycleEnd, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishFillsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Emit(SourceTools, KindToolResult, map[string]any{"name": "update_chef_record"})

	select {
	case got := <-ch:
		if got.Timestamp.IsZero() {
			t.Error("Timestamp should be filled in")
		}
		if got.Data["name"] != "update_chef_record" {
			t.Errorf("data name = %v", got.Data["name"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 3
	chans := make([]<-chan Event, n)
	for i := range n {
		chans[i] = b.Subscribe(4)
	}
	defer func() {
		for _, ch := range chans {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(SourceScheduler, KindJobStart, nil)

	for i, ch := range chans {
		select {
		case got := <-ch:
			if got.Kind != KindJobStart {
				t.Errorf("subscriber %d: kind = %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Emit(SourceAgent, "first", nil)
	b.Emit(SourceAgent, "second", nil)

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want first", got.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got %v", evt)
	default:
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	ch := b.Subscribe(2)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(16)

	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		for range ch {
		}
	}()

	var pubs sync.WaitGroup
	for i := range 8 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := range 50 {
				b.Emit(SourceAgent, KindToolStart, map[string]any{"p": i, "seq": j})
			}
		}()
	}
	pubs.Wait()
	b.Unsubscribe(ch)
	drain.Wait()
}

func TestNotifierDataChanged(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	n := NewNotifier(b, discardLogger())
	n.DataChanged(context.Background(), SourceTools, map[string]any{"chef_id": 7})

	select {
	case got := <-ch:
		if got.Kind != KindDataChanged {
			t.Errorf("kind = %q, want %q", got.Kind, KindDataChanged)
		}
		if got.Data["chef_id"] != 7 || got.Data["source"] != SourceTools {
			t.Errorf("data = %v", got.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestNotifierNilSafe(t *testing.T) {
	var n *Notifier
	n.DataChanged(context.Background(), SourceTools, nil)
	n.Log(SourceAPI, KindLogLine, nil)

	// A notifier without a bus only logs.
	NewNotifier(nil, discardLogger()).DataChanged(context.Background(), SourceEnrich, nil)
}

func TestForwardStopsOnCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var got []string
	sent := make(chan struct{}, 4)
	send := func(_ context.Context, e Event) error {
		mu.Lock()
		got = append(got, e.Kind)
		mu.Unlock()
		sent <- struct{}{}
		if e.Kind == "bad" {
			return errors.New("broker down")
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		forward(ctx, b, "test", send, discardLogger())
		close(done)
	}()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	b.Emit(SourceAgent, "bad", nil)
	b.Emit(SourceAgent, "good", nil)
	for range 2 {
		select {
		case <-sent:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for forwarded event")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "bad" || got[1] != "good" {
		t.Errorf("forwarded = %v, want [bad good]", got)
	}
	if b.SubscriberCount() != 0 {
		t.Error("forward should unsubscribe on exit")
	}
}

func TestTopics(t *testing.T) {
	if got := NATSSubject(Event{Kind: KindDataChanged}); got != "toque.events.data_changed" {
		t.Errorf("NATSSubject = %q", got)
	}
	br := NewMQTTBridge(MQTTOptions{Broker: "mqtt://localhost:1883"}, New(), discardLogger())
	if got := br.EventTopic(KindToolResult); got != "toque/toque/events/tool_result" {
		t.Errorf("EventTopic = %q", got)
	}
	if got := br.availabilityTopic(); got != "toque/toque/availability" {
		t.Errorf("availabilityTopic = %q", got)
	}
}
