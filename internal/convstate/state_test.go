package convstate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halcyon-im/halcyon/internal/models"
)

func mkMsg(id string, at time.Time) models.Message {
	return models.Message{
		ID:              id,
		ConversationURN: "contact:alice",
		SenderID:        "contact:alice",
		SentAt:          at,
		TypeID:          models.TypeText,
		Status:          models.StatusReceived,
	}
}

func TestGate_StrictFIFO(t *testing.T) {
	var g Gate
	ctx := context.Background()

	const n = 50
	var order []int
	var wg sync.WaitGroup
	start := make(chan struct{})

	hold := make(chan struct{})
	// occupy the gate so subsequent callers queue in submission order
	go func() {
		_ = g.Do(ctx, func() error { <-hold; return nil })
	}()
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			// stagger submissions so arrival order is deterministic
			time.Sleep(time.Duration(i) * 2 * time.Millisecond)
			_ = g.Do(ctx, func() error {
				order = append(order, i)
				return nil
			})
		}()
	}
	close(start)
	time.Sleep(time.Duration(n)*2*time.Millisecond + 50*time.Millisecond)
	close(hold)
	wg.Wait()

	require.Len(t, order, n)
	for i, v := range order {
		require.Equal(t, i, v, "gate must grant in arrival order")
	}
}

func TestGate_CancelledWaiterDoesNotStall(t *testing.T) {
	var g Gate

	hold := make(chan struct{})
	go func() { _ = g.Do(context.Background(), func() error { <-hold; return nil }) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Do(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)

	close(hold)
	// the gate must still be usable
	require.NoError(t, g.Do(context.Background(), func() error { return nil }))
}

func TestState_AppendKeepsChronology(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendIncoming(ctx, mkMsg("m2", base.Add(5*time.Minute))))
	require.NoError(t, s.AppendIncoming(ctx, mkMsg("m3", base.Add(10*time.Minute))))
	// late arrival with an earlier timestamp slots in place
	require.NoError(t, s.AppendIncoming(ctx, mkMsg("m1", base)))

	got := s.Messages("contact:alice")
	require.Equal(t, []string{"m1", "m2", "m3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	require.Equal(t, 3, s.Unread("contact:alice"))
}

func TestState_PrependOlderPage(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Load(ctx, "contact:alice", []models.Message{
		mkMsg("m3", base.Add(10*time.Minute)),
		mkMsg("m4", base.Add(15*time.Minute)),
	}))
	require.NoError(t, s.PrependOlder(ctx, "contact:alice", []models.Message{
		mkMsg("m1", base),
		mkMsg("m2", base.Add(5*time.Minute)),
	}))

	got := s.Messages("contact:alice")
	require.Len(t, got, 4)
	for i, want := range []string{"m1", "m2", "m3", "m4"} {
		require.Equal(t, want, got[i].ID)
	}
}

func TestState_UpdateStatusForwardOnly(t *testing.T) {
	s := New()
	ctx := context.Background()

	m := mkMsg("m1", time.Now().UTC())
	m.Status = models.StatusPending
	require.NoError(t, s.AppendOutgoing(ctx, m))

	require.NoError(t, s.UpdateStatus(ctx, "contact:alice", "m1", models.StatusSent))
	require.Equal(t, models.StatusSent, s.Messages("contact:alice")[0].Status)

	// regression ignored
	require.NoError(t, s.UpdateStatus(ctx, "contact:alice", "m1", models.StatusPending))
	require.Equal(t, models.StatusSent, s.Messages("contact:alice")[0].Status)
}

func TestState_MarkReadClearsUnread(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AppendIncoming(ctx, mkMsg("m1", time.Now().UTC())))
	require.Equal(t, 1, s.Unread("contact:alice"))

	require.NoError(t, s.MarkRead(ctx, "contact:alice"))
	require.Equal(t, 0, s.Unread("contact:alice"))
}

func TestState_TypingSignalsExpire(t *testing.T) {
	s := New()
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	s.SetTyping("contact:alice", "contact:alice")
	require.Equal(t, []string{"contact:alice"}, s.TypingPeers("contact:alice"))

	current = current.Add(typingTTL + time.Second)
	require.Empty(t, s.TypingPeers("contact:alice"))
}

func TestState_ObserversNotified(t *testing.T) {
	s := New()
	ctx := context.Background()

	var events []Event
	s.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, s.AppendIncoming(ctx, mkMsg("m1", time.Now().UTC())))
	require.NoError(t, s.MarkRead(ctx, "contact:alice"))

	require.Len(t, events, 2)
	require.Equal(t, EventAppended, events[0].Type)
	require.Equal(t, "m1", events[0].MessageID)
	require.Equal(t, EventRead, events[1].Type)
}

func TestState_UnsubscribeStopsNotifications(t *testing.T) {
	s := New()
	ctx := context.Background()

	var kept, dropped int
	s.Subscribe(func(Event) { kept++ })
	cancel := s.Subscribe(func(Event) { dropped++ })

	require.NoError(t, s.AppendIncoming(ctx, mkMsg("m1", time.Now().UTC())))
	cancel()
	require.NoError(t, s.AppendIncoming(ctx, mkMsg("m2", time.Now().UTC().Add(time.Second))))

	require.Equal(t, 2, kept)
	require.Equal(t, 1, dropped)
}

func TestState_ConcurrentMutationsAllLand(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendIncoming(ctx, mkMsg(fmt.Sprintf("m%02d", i), base.Add(time.Duration(i)*time.Second)))
		}()
	}
	wg.Wait()

	got := s.Messages("contact:alice")
	require.Len(t, got, 20)
	for i := 1; i < len(got); i++ {
		require.False(t, got[i].SentAt.Before(got[i-1].SentAt))
	}
}
