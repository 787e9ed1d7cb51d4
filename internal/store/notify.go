package store

import (
	"sync"
	"time"
)

// NoteKind classifies a notification. Subscribers use it to decide which
// snapshot to re-read; notifications carry no state themselves.
type NoteKind int

const (
	// NoteDevices: the merged device view or selection changed.
	NoteDevices NoteKind = iota
	// NoteBattery: fresh intelligence estimates were published.
	NoteBattery
	// NoteUI: window or settings visibility, or the error banner, changed.
	NoteUI
	// NoteConfig: the configuration was replaced.
	NoteConfig
	// NotePersist: persistent state should be written.
	NotePersist
	// NoteLifecycle: the host slept or woke.
	NoteLifecycle
)

func (k NoteKind) String() string {
	switch k {
	case NoteDevices:
		return "devices"
	case NoteBattery:
		return "battery"
	case NoteUI:
		return "ui"
	case NoteConfig:
		return "config"
	case NotePersist:
		return "persist"
	case NoteLifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

// Notification is one coalesced update message.
type Notification struct {
	Kind NoteKind
	// Time of the flush that produced this notification.
	Time time.Time
}

// coalesceWindow bounds how long kinds accumulate before a flush. Identical
// kinds posted inside one window collapse into a single notification.
const coalesceWindow = 50 * time.Millisecond

// notifier batches posted kinds and fans them out to subscribers. Posting
// never blocks; each subscriber has its own unbounded ordered queue.
type notifier struct {
	mu      sync.Mutex
	pending []NoteKind
	queued  map[NoteKind]bool
	timer   *time.Timer
	closed  bool
	subs    map[*subscriber]bool
}

func newNotifier() *notifier {
	return &notifier{
		queued: make(map[NoteKind]bool),
		subs:   make(map[*subscriber]bool),
	}
}

// post records a kind for the next flush, starting the window timer on the
// first kind of a batch. Duplicate kinds within the window collapse.
func (n *notifier) post(k NoteKind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if !n.queued[k] {
		n.queued[k] = true
		n.pending = append(n.pending, k)
	}
	if n.timer == nil {
		n.timer = time.AfterFunc(coalesceWindow, n.flush)
	}
}

// flush delivers the batch in first-post order.
func (n *notifier) flush() {
	n.mu.Lock()
	batch := n.pending
	n.pending = nil
	n.queued = make(map[NoteKind]bool)
	n.timer = nil
	subs := make([]*subscriber, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	now := time.Now()
	for _, k := range batch {
		note := Notification{Kind: k, Time: now}
		for _, s := range subs {
			s.push(note)
		}
	}
}

func (n *notifier) subscribe() (<-chan Notification, func()) {
	s := newSubscriber()
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		s.close()
		return s.out, func() {}
	}
	n.subs[s] = true
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		delete(n.subs, s)
		n.mu.Unlock()
		s.close()
	}
	return s.out, cancel
}

func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	if n.timer != nil && n.timer.Stop() {
		n.timer = nil
	}
	subs := make([]*subscriber, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.subs = map[*subscriber]bool{}
	n.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// subscriber pumps an unbounded FIFO into a channel so a slow consumer
// never backs up into the notifier.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Notification
	closed bool
	done   chan struct{}
	out    chan Notification
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Notification),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber) push(n Notification) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, n)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	// Undelivered notifications are dropped. Closing done unblocks a pump
	// that is mid-send to a consumer that stopped reading.
	s.queue = nil
	close(s.done)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, n := range batch {
			select {
			case s.out <- n:
			case <-s.done:
				return
			}
		}
	}
}
