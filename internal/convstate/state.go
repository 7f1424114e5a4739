// Package convstate owns the in-memory conversation lists the UI reads:
// chronological message slices per conversation, unread counters, transient
// typing signals and an observer mechanism for change notification. All
// mutations pass through one FIFO gate.
package convstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/halcyon-im/halcyon/internal/models"
)

// EventType classifies state-change notifications.
type EventType string

const (
	EventLoaded   EventType = "loaded"
	EventAppended EventType = "appended"
	EventStatus   EventType = "status"
	EventRead     EventType = "read"
	EventTyping   EventType = "typing"
)

// Event is delivered to observers after each state mutation.
type Event struct {
	Type            EventType
	ConversationURN string
	MessageID       string
}

type observer struct {
	id int
	fn func(Event)
}

// typingTTL is how long a typing signal stays visible without a refresh.
const typingTTL = 5 * time.Second

// State holds the conversation lists. Mutating entry points serialize
// through the gate; reads take a snapshot under a plain lock.
type State struct {
	gate Gate

	mu           sync.RWMutex
	convs        map[string][]models.Message // oldest-first
	unread       map[string]int
	typing       map[string]map[string]time.Time // urn -> sender -> expiry
	observers    []observer
	nextObserver int

	now func() time.Time
}

func New() *State {
	return &State{
		convs:  make(map[string][]models.Message),
		unread: make(map[string]int),
		typing: make(map[string]map[string]time.Time),
		now:    time.Now,
	}
}

// Subscribe registers fn for change notifications. Observers run
// synchronously after the mutation completes, outside the state lock.
// The returned func removes the observer again.
func (s *State) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObserver
	s.nextObserver++
	s.observers = append(s.observers, observer{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *State) notify(ev Event) {
	s.mu.RLock()
	obs := make([]observer, len(s.observers))
	copy(obs, s.observers)
	s.mu.RUnlock()
	for _, o := range obs {
		o.fn(ev)
	}
}

// Load replaces the message list of a conversation, e.g. on selection.
func (s *State) Load(ctx context.Context, urn string, msgs []models.Message) error {
	return s.gate.Do(ctx, func() error {
		sorted := append([]models.Message(nil), msgs...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SentAt.Before(sorted[j].SentAt) })
		s.mu.Lock()
		s.convs[urn] = sorted
		s.mu.Unlock()
		s.notify(Event{Type: EventLoaded, ConversationURN: urn})
		return nil
	})
}

// PrependOlder inserts an older page in front of the current list without
// breaking chronological order.
func (s *State) PrependOlder(ctx context.Context, urn string, older []models.Message) error {
	return s.gate.Do(ctx, func() error {
		page := append([]models.Message(nil), older...)
		sort.SliceStable(page, func(i, j int) bool { return page[i].SentAt.Before(page[j].SentAt) })
		s.mu.Lock()
		s.convs[urn] = append(page, s.convs[urn]...)
		s.mu.Unlock()
		s.notify(Event{Type: EventLoaded, ConversationURN: urn})
		return nil
	})
}

// AppendIncoming adds a freshly ingested message and bumps the unread
// counter.
func (s *State) AppendIncoming(ctx context.Context, msg models.Message) error {
	return s.gate.Do(ctx, func() error {
		s.mu.Lock()
		s.convs[msg.ConversationURN] = insertChronological(s.convs[msg.ConversationURN], msg)
		s.unread[msg.ConversationURN]++
		s.mu.Unlock()
		s.notify(Event{Type: EventAppended, ConversationURN: msg.ConversationURN, MessageID: msg.ID})
		return nil
	})
}

// AppendOutgoing adds an optimistic local record.
func (s *State) AppendOutgoing(ctx context.Context, msg models.Message) error {
	return s.gate.Do(ctx, func() error {
		s.mu.Lock()
		s.convs[msg.ConversationURN] = insertChronological(s.convs[msg.ConversationURN], msg)
		s.mu.Unlock()
		s.notify(Event{Type: EventAppended, ConversationURN: msg.ConversationURN, MessageID: msg.ID})
		return nil
	})
}

// UpdateStatus applies a forward-only delivery-status change to one message.
func (s *State) UpdateStatus(ctx context.Context, urn, messageID string, status models.DeliveryStatus) error {
	return s.gate.Do(ctx, func() error {
		changed := false
		s.mu.Lock()
		msgs := s.convs[urn]
		for i := range msgs {
			if msgs[i].ID == messageID && msgs[i].Status.CanTransition(status) {
				msgs[i].Status = status
				changed = true
				break
			}
		}
		s.mu.Unlock()
		if changed {
			s.notify(Event{Type: EventStatus, ConversationURN: urn, MessageID: messageID})
		}
		return nil
	})
}

// MarkRead clears the unread counter for a conversation.
func (s *State) MarkRead(ctx context.Context, urn string) error {
	return s.gate.Do(ctx, func() error {
		s.mu.Lock()
		s.unread[urn] = 0
		s.mu.Unlock()
		s.notify(Event{Type: EventRead, ConversationURN: urn})
		return nil
	})
}

// SetTyping records a transient typing signal; it expires on its own and is
// never persisted.
func (s *State) SetTyping(urn, senderID string) {
	s.mu.Lock()
	peers, ok := s.typing[urn]
	if !ok {
		peers = make(map[string]time.Time)
		s.typing[urn] = peers
	}
	peers[senderID] = s.now().Add(typingTTL)
	s.mu.Unlock()
	s.notify(Event{Type: EventTyping, ConversationURN: urn})
}

// TypingPeers returns the senders currently typing in a conversation.
func (s *State) TypingPeers(urn string) []string {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for sender, expiry := range s.typing[urn] {
		if expiry.After(now) {
			out = append(out, sender)
		} else {
			delete(s.typing[urn], sender)
		}
	}
	sort.Strings(out)
	return out
}

// Messages returns a copy of a conversation's list, oldest first.
func (s *State) Messages(urn string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Message(nil), s.convs[urn]...)
}

// Unread returns the unread counter of a conversation.
func (s *State) Unread(urn string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[urn]
}

// Reset clears all state wholesale (logout / identity reset).
func (s *State) Reset(ctx context.Context) error {
	return s.gate.Do(ctx, func() error {
		s.mu.Lock()
		s.convs = make(map[string][]models.Message)
		s.unread = make(map[string]int)
		s.typing = make(map[string]map[string]time.Time)
		s.mu.Unlock()
		return nil
	})
}

func insertChronological(list []models.Message, msg models.Message) []models.Message {
	// Most inserts land at the tail.
	i := len(list)
	for i > 0 && list[i-1].SentAt.After(msg.SentAt) {
		i--
	}
	list = append(list, models.Message{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	return list
}
