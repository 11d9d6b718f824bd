package redis

import (
	"encoding/json"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

func newLocalBus() *EventBus {
	return &EventBus{
		client:  goredis.NewClient(&goredis.Options{Addr: "localhost:0"}),
		channel: "test",
		log:     logger.NewNop(),
		subs:    map[int]chan Envelope{},
		closed:  make(chan struct{}),
	}
}

func TestFanoutDeliversToAllSubscribers(t *testing.T) {
	bus := newLocalBus()
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe(4)
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel1()
	defer cancel2()

	env := Envelope{Seq: 7, EventType: "stage:completed", Data: json.RawMessage(`{"stage_id":"a"}`)}
	bus.fanout(env)

	for i, ch := range []<-chan Envelope{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Seq != 7 || got.EventType != "stage:completed" {
				t.Fatalf("subscriber %d got %+v", i, got)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestFanoutDropsWhenSubscriberFull(t *testing.T) {
	bus := newLocalBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.fanout(Envelope{Seq: 1})
	bus.fanout(Envelope{Seq: 2}) // buffer full: dropped, not blocking

	got := <-ch
	if got.Seq != 1 {
		t.Fatalf("first envelope: want seq=1 got=%d", got.Seq)
	}
	select {
	case extra := <-ch:
		t.Fatalf("overflow envelope delivered: %+v", extra)
	default:
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	bus := newLocalBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4)
	cancel()
	cancel() // second cancel is harmless

	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after cancel")
	}
	bus.fanout(Envelope{Seq: 1}) // must not panic on closed subscriber
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := newLocalBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
