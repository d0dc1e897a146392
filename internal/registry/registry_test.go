package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/JefferyWang/chat/internal/event"
)

func testMessage(id int64) event.Event {
	return &event.NewMessage{
		Message: event.Message{ID: id, ChatID: 1, SenderID: 2, Content: fmt.Sprintf("msg-%d", id)},
	}
}

func TestPublishOfflineUserIsNoOp(t *testing.T) {
	r := New(0)

	if delivered := r.Publish(99, testMessage(1)); delivered {
		t.Error("publish to offline user reported delivery")
	}
	if r.Len() != 0 {
		t.Errorf("publish allocated a channel: len=%d", r.Len())
	}
}

func TestSingleSubscriberReceivesInOrder(t *testing.T) {
	r := New(0)
	sub := r.Subscribe(7)
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		r.Publish(7, testMessage(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := int64(1); i <= 5; i++ {
		ev, missed, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v (missed=%d)", i, err, missed)
		}
		msg := ev.(*event.NewMessage)
		if msg.ID != i {
			t.Fatalf("out of order: expected id %d, got %d", i, msg.ID)
		}
	}
}

func TestAllSubscribersSeeSameOrder(t *testing.T) {
	r := New(0)
	const subscribers = 4
	const events = 50

	subs := make([]*Subscription, subscribers)
	for i := range subs {
		subs[i] = r.Subscribe(1)
		defer subs[i].Close()
	}

	go func() {
		for i := int64(1); i <= events; i++ {
			r.Publish(1, testMessage(i))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, subscribers)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			for i := int64(1); i <= events; i++ {
				ev, _, err := sub.Next(ctx)
				if err != nil {
					errs <- fmt.Errorf("next: %w", err)
					return
				}
				if got := ev.(*event.NewMessage).ID; got != i {
					errs <- fmt.Errorf("expected id %d, got %d", i, got)
					return
				}
			}
		}(sub)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestConcurrentGetOrCreateYieldsOneChannel(t *testing.T) {
	r := New(0)
	const attempts = 64

	var wg sync.WaitGroup
	channels := make([]*Channel, attempts)
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer wg.Done()
			channels[i] = r.GetOrCreate(42)
		}(i)
	}
	wg.Wait()

	for i := 1; i < attempts; i++ {
		if channels[i] != channels[0] {
			t.Fatalf("attempt %d produced a distinct channel", i)
		}
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 channel, got %d", r.Len())
	}
}

func TestSlowSubscriberObservesGapThenResumes(t *testing.T) {
	r := New(4) // tiny buffer to force lag
	sub := r.Subscribe(1)
	defer sub.Close()

	// Publish well past the buffer bound while the subscriber sleeps.
	for i := int64(1); i <= 10; i++ {
		r.Publish(1, testMessage(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, missed, err := sub.Next(ctx)
	if !errors.Is(err, ErrLagged) {
		t.Fatalf("expected ErrLagged, got %v", err)
	}
	if missed != 6 {
		t.Errorf("expected 6 missed events, got %d", missed)
	}

	// Delivery resumes at the oldest retained event, in order.
	for i := int64(7); i <= 10; i++ {
		ev, _, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next after lag: %v", err)
		}
		if got := ev.(*event.NewMessage).ID; got != i {
			t.Fatalf("expected id %d after lag, got %d", i, got)
		}
	}
}

func TestSubscribeAfterPublishSeesOnlyNewEvents(t *testing.T) {
	r := New(0)

	// Park a subscriber so the channel exists.
	first := r.Subscribe(1)
	defer first.Close()
	r.Publish(1, testMessage(1))

	late := r.Subscribe(1)
	defer late.Close()
	r.Publish(1, testMessage(2))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, _, err := late.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got := ev.(*event.NewMessage).ID; got != 2 {
		t.Errorf("late subscriber saw replayed event %d", got)
	}
}

func TestNextHonorsContextCancellation(t *testing.T) {
	r := New(0)
	sub := r.Subscribe(1)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := sub.Next(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

func TestSweepReapsAfterTwoIdleSweeps(t *testing.T) {
	r := New(0)
	sub := r.Subscribe(1)

	// A channel with a live subscriber is never reaped.
	if n := r.Sweep(); n != 0 {
		t.Fatalf("sweep reaped a live channel (n=%d)", n)
	}

	sub.Close()

	// First idle observation arms the channel; the second removes it.
	if n := r.Sweep(); n != 0 {
		t.Fatalf("channel reaped on first idle sweep (n=%d)", n)
	}
	if n := r.Sweep(); n != 1 {
		t.Fatalf("expected 1 channel reaped on second sweep, got %d", n)
	}
	if r.Len() != 0 {
		t.Errorf("registry not empty after reap: len=%d", r.Len())
	}
}

func TestResubscribeBetweenSweepsKeepsChannel(t *testing.T) {
	r := New(0)
	sub := r.Subscribe(1)
	sub.Close()

	r.Sweep() // arms the idle counter

	// A new subscriber arrives before the second sweep.
	sub2 := r.Subscribe(1)
	defer sub2.Close()

	if n := r.Sweep(); n != 0 {
		t.Fatalf("sweep reaped a channel with a live subscriber (n=%d)", n)
	}

	r.Publish(1, testMessage(1))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := sub2.Next(ctx); err != nil {
		t.Fatalf("subscriber lost its channel: %v", err)
	}
}

func TestSubscribeRetriesAfterReap(t *testing.T) {
	r := New(0)
	ch := r.GetOrCreate(1)

	// Reap the channel out from under a caller that still holds the handle.
	r.Sweep()
	r.Sweep()
	if _, err := ch.Subscribe(); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed on reaped handle, got %v", err)
	}

	// The registry-level Subscribe recovers with a fresh channel.
	sub := r.Subscribe(1)
	defer sub.Close()
	r.Publish(1, testMessage(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := sub.Next(ctx); err != nil {
		t.Fatalf("next on fresh channel: %v", err)
	}
}

func TestConcurrentPublishAndSubscribeChurn(t *testing.T) {
	r := New(0)
	const users = 16
	const publishers = 8

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				r.Publish(i%users, testMessage(i))
			}
		}()
	}
	for u := int64(0); u < users; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				sub := r.Subscribe(u)
				sub.Close()
			}
		}(u)
	}
	wg.Wait()

	// No panics and the map stays bounded by the user count.
	if r.Len() > users {
		t.Errorf("registry grew beyond user count: %d", r.Len())
	}
}

func TestSweepNeverClosesChannelWithLiveSubscriber(t *testing.T) {
	r := New(4)

	stop := make(chan struct{})
	var sweeper sync.WaitGroup
	sweeper.Add(1)
	go func() {
		defer sweeper.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Sweep()
			}
		}
	}()

	// Each worker churns subscribe/publish/read/close against a sweeper
	// running full speed. Once Subscribe succeeds the channel must stay
	// open until the subscription closes, so Next may never observe
	// ErrChannelClosed here.
	var wg sync.WaitGroup
	for u := int64(0); u < 8; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			for i := int64(0); i < 200; i++ {
				sub := r.Subscribe(u)
				r.Publish(u, testMessage(i))

				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				_, _, err := sub.Next(ctx)
				cancel()
				if err != nil {
					t.Errorf("user %d iteration %d: live subscription lost its channel: %v", u, i, err)
					sub.Close()
					return
				}
				sub.Close()
			}
		}(u)
	}
	wg.Wait()
	close(stop)
	sweeper.Wait()
}
