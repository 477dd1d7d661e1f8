package talentbridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func messageJSON(id, conversationID, senderID, text string) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":             id,
		"conversationId": conversationID,
		"sender":         map[string]string{"userId": senderID, "fullName": "Sender " + senderID},
		"message":        text,
		"createdAt":      "2026-01-01T00:00:00Z",
	})
	return b
}

// ============================================================================
// Deduplicator
// ============================================================================

func TestDeduplicator(t *testing.T) {
	t.Run("remember reports first sighting only", func(t *testing.T) {
		d := NewDeduplicator(0)
		if !d.Remember("m1") {
			t.Fatal("expected new")
		}
		if d.Remember("m1") {
			t.Fatal("expected duplicate")
		}
		if d.Len() != 1 {
			t.Fatalf("expected 1 entry, got %d", d.Len())
		}
	})

	t.Run("evicts oldest past capacity", func(t *testing.T) {
		d := NewDeduplicator(DefaultDedupCapacity)
		for i := 0; i <= DefaultDedupCapacity; i++ {
			d.Remember(fmt.Sprintf("m%d", i))
		}
		if d.Len() != DefaultDedupCapacity {
			t.Fatalf("expected %d entries, got %d", DefaultDedupCapacity, d.Len())
		}
		if d.Contains("m0") {
			t.Fatal("expected oldest evicted")
		}
		if !d.Contains("m1") || !d.Contains(fmt.Sprintf("m%d", DefaultDedupCapacity)) {
			t.Fatal("expected newer entries kept")
		}
		// The evicted key is new again.
		if !d.Remember("m0") {
			t.Fatal("expected evicted key to be accepted")
		}
		if d.Contains("m1") {
			t.Fatal("expected m1 evicted next")
		}
	})

	t.Run("concurrent duplicates admit one", func(t *testing.T) {
		d := NewDeduplicator(10)
		var wg sync.WaitGroup
		var mu sync.Mutex
		admitted := 0
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if d.Remember("same") {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if admitted != 1 {
			t.Fatalf("expected one admission, got %d", admitted)
		}
	})
}

// ============================================================================
// UnreadCounter
// ============================================================================

func TestUnreadCounter(t *testing.T) {
	u := NewUnreadCounter()
	var seen []int
	unsubscribe := u.Subscribe(func(n int) { seen = append(seen, n) })

	u.Increment()
	u.Increment()
	u.Decrement()
	u.Decrement()
	u.Decrement()
	if u.Value() != 0 {
		t.Fatalf("expected floor at 0, got %d", u.Value())
	}

	u.Increment()
	u.Resync(7)
	if u.Value() != 7 {
		t.Fatalf("expected resync to 7, got %d", u.Value())
	}
	u.Reset()
	unsubscribe()
	u.Increment()

	want := []int{1, 2, 1, 0, 0, 1, 7, 0}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
}

// ============================================================================
// Notifier
// ============================================================================

func TestNotifier_HandleInbound(t *testing.T) {
	newNotifier := func(m *Metrics) (*Notifier, *[]Message) {
		n := NewNotifier(&NotifierConfig{
			CurrentUser: func() string { return "me" },
			Metrics:     m,
		})
		var got []Message
		n.OnNotify(func(msg Message) { got = append(got, msg) })
		return n, &got
	}

	t.Run("same message twice notifies once", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		n, got := newNotifier(m)
		raw := messageJSON("m1", "c1", "other", "hello")

		if d := n.HandleInbound(raw); d != DispositionNotified {
			t.Fatalf("expected notified, got %s", d)
		}
		if d := n.HandleInbound(raw); d != DispositionDuplicate {
			t.Fatalf("expected duplicate, got %s", d)
		}
		if n.Unread().Value() != 1 {
			t.Fatalf("expected unread 1, got %d", n.Unread().Value())
		}
		if len(*got) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(*got))
		}
		msg := (*got)[0]
		if msg.ID != "m1" || msg.SenderID != "other" || msg.SenderName != "Sender other" || msg.Text != "hello" {
			t.Fatalf("unexpected normalized message %+v", msg)
		}
		if v := testutil.ToFloat64(m.unread); v != 1 {
			t.Fatalf("expected unread gauge 1, got %v", v)
		}
		if v := testutil.ToFloat64(m.notifications.WithLabelValues(string(DispositionDuplicate))); v != 1 {
			t.Fatalf("expected one duplicate metric, got %v", v)
		}
	})

	t.Run("own message is suppressed", func(t *testing.T) {
		n, got := newNotifier(nil)
		if d := n.HandleInbound(messageJSON("m1", "c1", "me", "hi")); d != DispositionSelf {
			t.Fatalf("expected self, got %s", d)
		}
		if n.Unread().Value() != 0 || len(*got) != 0 {
			t.Fatal("expected no increment and no alert")
		}
	})

	t.Run("open conversation is suppressed", func(t *testing.T) {
		n, got := newNotifier(nil)
		n.SetViewing("c1")
		if d := n.HandleInbound(messageJSON("m1", "c1", "other", "hi")); d != DispositionViewing {
			t.Fatalf("expected viewing, got %s", d)
		}
		if d := n.HandleInbound(messageJSON("m2", "c2", "other", "hi")); d != DispositionNotified {
			t.Fatalf("expected notified for another conversation, got %s", d)
		}
		n.ClearViewing()
		if d := n.HandleInbound(messageJSON("m3", "c1", "other", "hi")); d != DispositionNotified {
			t.Fatalf("expected notified after clearing view, got %s", d)
		}
		if n.Unread().Value() != 2 || len(*got) != 2 {
			t.Fatalf("expected 2 unread and 2 alerts, got %d and %d", n.Unread().Value(), len(*got))
		}
	})

	t.Run("malformed message is dropped", func(t *testing.T) {
		n, _ := newNotifier(nil)
		for _, raw := range [][]byte{
			[]byte(`not json`),
			[]byte(`{"id":"m1","message":"no conversation"}`),
		} {
			if d := n.HandleInbound(raw); d != DispositionMalformed {
				t.Fatalf("expected malformed, got %s", d)
			}
		}
		if n.Dedup().Len() != 0 {
			t.Fatal("malformed messages must not enter the cache")
		}
	})

	t.Run("id fallback keys dedup", func(t *testing.T) {
		n, _ := newNotifier(nil)
		raw := []byte(`{"conversationId":"c1","senderId":"other","text":"hi","createdAt":"2026-01-01T00:00:00Z"}`)
		n.HandleInbound(raw)
		if d := n.HandleInbound(raw); d != DispositionDuplicate {
			t.Fatalf("expected duplicate by conversation+timestamp, got %s", d)
		}
	})

	t.Run("panicking handler does not break delivery", func(t *testing.T) {
		n := NewNotifier(nil)
		n.OnNotify(func(Message) { panic("boom") })
		if d := n.HandleInbound(messageJSON("m1", "c1", "other", "hi")); d != DispositionNotified {
			t.Fatalf("expected notified, got %s", d)
		}
		if n.Unread().Value() != 1 {
			t.Fatal("expected increment despite handler panic")
		}
	})
}
