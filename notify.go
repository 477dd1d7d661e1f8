package talentbridge

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultDedupCapacity bounds the processed-message cache.
const DefaultDedupCapacity = 200

// ============================================================================
// Deduplicator
// ============================================================================

// Deduplicator is a bounded FIFO set of processed message keys. Inserting past
// capacity evicts the oldest key, never the most recent.
type Deduplicator struct {
	mu   sync.Mutex
	ring []string
	head int
	size int
	seen map[string]struct{}
}

// NewDeduplicator creates a cache holding at most capacity keys.
func NewDeduplicator(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &Deduplicator{
		ring: make([]string, capacity),
		seen: make(map[string]struct{}, capacity),
	}
}

// Remember records key and reports whether it was new. The lookup and the
// insertion happen under one lock, so two deliveries of the same key can
// never both report new.
func (d *Deduplicator) Remember(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return false
	}
	capacity := len(d.ring)
	if d.size == capacity {
		delete(d.seen, d.ring[d.head])
		d.ring[d.head] = key
		d.head = (d.head + 1) % capacity
	} else {
		d.ring[(d.head+d.size)%capacity] = key
		d.size++
	}
	d.seen[key] = struct{}{}
	return true
}

// Contains reports whether key is cached.
func (d *Deduplicator) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok
}

// Len returns the number of cached keys.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// ============================================================================
// UnreadCounter
// ============================================================================

// UnreadCounter is the single source of truth for the unread badge. Local
// deltas never take it below zero, and Resync overwrites it with the server's
// authoritative count.
type UnreadCounter struct {
	mu      sync.Mutex
	n       int
	subs    map[int]func(int)
	nextSub int
	metrics *Metrics
}

// NewUnreadCounter creates a counter starting at zero.
func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{subs: make(map[int]func(int))}
}

func (u *UnreadCounter) Value() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.n
}

func (u *UnreadCounter) Increment() int { return u.apply(func(n int) int { return n + 1 }) }

func (u *UnreadCounter) Decrement() int { return u.apply(func(n int) int { return n - 1 }) }

func (u *UnreadCounter) Reset() { u.apply(func(int) int { return 0 }) }

// Resync replaces the local value with serverCount unconditionally.
func (u *UnreadCounter) Resync(serverCount int) {
	u.apply(func(int) int { return serverCount })
}

// Subscribe registers fn to receive every new value. Calls happen outside
// the counter's lock, in the goroutine that changed the value.
func (u *UnreadCounter) Subscribe(fn func(int)) (unsubscribe func()) {
	u.mu.Lock()
	id := u.nextSub
	u.nextSub++
	u.subs[id] = fn
	u.mu.Unlock()
	return func() {
		u.mu.Lock()
		delete(u.subs, id)
		u.mu.Unlock()
	}
}

func (u *UnreadCounter) apply(f func(int) int) int {
	u.mu.Lock()
	n := f(u.n)
	if n < 0 {
		n = 0
	}
	u.n = n
	subs := make([]func(int), 0, len(u.subs))
	for _, fn := range u.subs {
		subs = append(subs, fn)
	}
	m := u.metrics
	u.mu.Unlock()

	m.setUnread(n)
	for _, fn := range subs {
		fn(n)
	}
	return n
}

// ============================================================================
// Notifier
// ============================================================================

// Disposition is what HandleInbound did with a message.
type Disposition string

const (
	DispositionMalformed Disposition = "malformed"
	DispositionDuplicate Disposition = "duplicate"
	DispositionSelf      Disposition = "self"
	DispositionViewing   Disposition = "viewing"
	DispositionNotified  Disposition = "notified"
)

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	// CurrentUser returns the signed-in user's id. It is called per message so
	// a token refresh or re-login is observed.
	CurrentUser   func() string
	DedupCapacity int
	Unread        *UnreadCounter
	Logger        *zap.Logger
	Metrics       *Metrics
}

// Notifier turns inbound realtime messages into at most one unread increment
// and one alert per message.
type Notifier struct {
	dedup       *Deduplicator
	unread      *UnreadCounter
	currentUser func() string
	log         *zap.Logger
	metrics     *Metrics

	mu       sync.Mutex
	viewing  string
	handlers []func(Message)
}

// NewNotifier creates a Notifier. A nil config is valid.
func NewNotifier(cfg *NotifierConfig) *Notifier {
	var c NotifierConfig
	if cfg != nil {
		c = *cfg
	}
	if c.Unread == nil {
		c.Unread = NewUnreadCounter()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.CurrentUser == nil {
		c.CurrentUser = func() string { return "" }
	}
	c.Unread.mu.Lock()
	if c.Unread.metrics == nil {
		c.Unread.metrics = c.Metrics
	}
	c.Unread.mu.Unlock()

	return &Notifier{
		dedup:       NewDeduplicator(c.DedupCapacity),
		unread:      c.Unread,
		currentUser: c.CurrentUser,
		log:         c.Logger,
		metrics:     c.Metrics,
	}
}

// Unread returns the counter this notifier increments.
func (n *Notifier) Unread() *UnreadCounter { return n.unread }

// Dedup returns the processed-message cache.
func (n *Notifier) Dedup() *Deduplicator { return n.dedup }

// OnNotify registers a handler for messages that raise an alert.
func (n *Notifier) OnNotify(h func(Message)) {
	n.mu.Lock()
	n.handlers = append(n.handlers, h)
	n.mu.Unlock()
}

// SetViewing marks conversationID as open on screen; its messages count as
// read on arrival.
func (n *Notifier) SetViewing(conversationID string) {
	n.mu.Lock()
	n.viewing = conversationID
	n.mu.Unlock()
}

// ClearViewing clears the open conversation.
func (n *Notifier) ClearViewing() { n.SetViewing("") }

// HandleInbound processes one serialized message.
func (n *Notifier) HandleInbound(raw []byte) Disposition {
	d, msg := n.classify(raw)
	n.metrics.notification(d)
	if d != DispositionNotified {
		n.log.Debug("inbound message suppressed", zap.String("disposition", string(d)))
		return d
	}

	n.unread.Increment()
	n.mu.Lock()
	handlers := append([]func(Message){}, n.handlers...)
	n.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.log.Error("notify handler panicked", zap.Any("panic", r))
				}
			}()
			h(msg)
		}()
	}
	return d
}

func (n *Notifier) classify(raw []byte) (Disposition, Message) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return DispositionMalformed, Message{}
	}
	if !n.dedup.Remember(msg.DedupKey()) {
		return DispositionDuplicate, msg
	}
	if me := n.currentUser(); me != "" && msg.SenderID == me {
		return DispositionSelf, msg
	}
	n.mu.Lock()
	viewing := n.viewing
	n.mu.Unlock()
	if viewing != "" && viewing == msg.ConversationID {
		return DispositionViewing, msg
	}
	return DispositionNotified, msg
}
