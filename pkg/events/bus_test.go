package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func texts(evs []Event) []string {
	out := make([]string, len(evs))
	for i := range evs {
		out[i] = evs[i].Text
	}
	return out
}

func TestOrderedDeliveryToAllSubscribers(t *testing.T) {
	bus := NewBus(Buffer, 0, nil)
	defer bus.Close()

	a := bus.Subscribe("s1")
	b := bus.Subscribe("s1")

	for _, txt := range []string{"A", "B", "C"} {
		_, err := bus.Publish("s1", Event{Type: Text, Text: txt})
		require.NoError(t, err)
	}

	for _, sub := range []*Subscription{a, b} {
		got := collect(t, sub, 3)
		assert.Equal(t, []string{"A", "B", "C"}, texts(got))
		assert.Equal(t, []uint64{1, 2, 3}, []uint64{got[0].Seq, got[1].Seq, got[2].Seq})
		assert.Equal(t, "s1", got[0].SessionID)
	}
}

func TestSlowBufferedConsumerLosesNothing(t *testing.T) {
	bus := NewBus(Buffer, 1, nil)
	defer bus.Close()
	sub := bus.Subscribe("s1")

	const n = 500
	for i := 0; i < n; i++ {
		_, err := bus.Publish("s1", Event{Type: Text, Text: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	got := make([]Event, 0, n)
	for len(got) < n {
		time.Sleep(time.Microsecond)
		got = append(got, collect(t, sub, 1)...)
	}
	for i := range got {
		require.Equal(t, fmt.Sprint(i), got[i].Text)
		require.Equal(t, uint64(i+1), got[i].Seq)
	}
}

func TestBlockPolicyAppliesBackpressure(t *testing.T) {
	bus := NewBus(Block, 0, nil)
	defer bus.Close()
	sub := bus.Subscribe("s1")

	published := make(chan struct{})
	go func() {
		defer close(published)
		for _, txt := range []string{"A", "B", "C"} {
			_, _ = bus.Publish("s1", Event{Type: Text, Text: txt})
		}
	}()

	select {
	case <-published:
		t.Fatal("publisher finished before the subscriber read anything")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, []string{"A", "B", "C"}, texts(collect(t, sub, 3)))
	<-published
}

func TestCloseUnblocksPublisher(t *testing.T) {
	bus := NewBus(Block, 0, nil)
	defer bus.Close()
	sub := bus.Subscribe("s1")

	done := make(chan struct{})
	go func() {
		_, _ = bus.Publish("s1", Event{Type: Text, Text: "never read"})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher stayed blocked on a closed subscriber")
	}
	assert.Equal(t, 0, bus.Subscribers("s1"))
}

func TestSessionsAreIsolated(t *testing.T) {
	bus := NewBus(Buffer, 4, nil)
	defer bus.Close()
	s1 := bus.Subscribe("s1")
	s2 := bus.Subscribe("s2")

	_, _ = bus.Publish("s1", Event{Type: Text, Text: "one"})
	ev, _ := bus.Publish("s2", Event{Type: Text, Text: "two"})
	assert.Equal(t, uint64(1), ev.Seq)

	assert.Equal(t, "one", collect(t, s1, 1)[0].Text)
	assert.Equal(t, "two", collect(t, s2, 1)[0].Text)
}

func TestConcurrentPublishersKeepTotalOrder(t *testing.T) {
	bus := NewBus(Buffer, 0, nil)
	defer bus.Close()
	a := bus.Subscribe("s1")
	b := bus.Subscribe("s1")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = bus.Publish("s1", Event{Type: Text, Text: fmt.Sprintf("%d-%d", w, i)})
			}
		}(w)
	}
	wg.Wait()

	ga := collect(t, a, 200)
	gb := collect(t, b, 200)
	assert.Equal(t, texts(ga), texts(gb), "subscribers observed different orders")
}

func TestCloseSessionAndBus(t *testing.T) {
	bus := NewBus(Buffer, 0, nil)
	sub := bus.Subscribe("s1")
	bus.CloseSession("s1")

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed")

	bus.Close()
	_, err := bus.Publish("s1", Event{Type: Text})
	assert.ErrorIs(t, err, ErrClosed)

	late := bus.Subscribe("s1")
	_, ok = <-late.C()
	assert.False(t, ok, "subscriptions on a closed bus start closed")
}

func TestEndsTurn(t *testing.T) {
	assert.True(t, (&Event{Type: TurnComplete}).EndsTurn())
	assert.True(t, (&Event{Type: Error, Terminal: true}).EndsTurn())
	assert.False(t, (&Event{Type: Text}).EndsTurn())
}
