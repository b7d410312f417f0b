package models

import (
	"errors"
	"slices"
	"sync"
)

// Transcript is the ordered list of messages exchanged in one chat dialog. Messages keep their insertion
// order. At most one message, the assistant reply currently streaming, may be unfrozen at any time.
//
// Observers registered with Subscribe are notified after every change, in the order changes happen.
// They are called without the transcript lock held, so they may read or change the transcript. A change
// made while another goroutine, or an observer up the stack, is notifying is queued and delivered by that
// notifier once the events before it are delivered.
//
// A closed transcript is empty and rejects every further change with ErrTranscriptClosed.
type Transcript struct {
	mu       sync.Mutex
	messages []Message
	closed   bool

	observers    map[int]func(TranscriptEvent)
	nextObserver int

	pending     []TranscriptEvent
	dispatching bool
}

// TranscriptEvent describes a single change to a Transcript. Message holds the state of the affected
// message after the change; it is the zero value for TranscriptCleared.
type TranscriptEvent struct {
	Type    TranscriptEventType
	Index   int
	Message Message
}

// TranscriptEventType is the kind of change a TranscriptEvent reports.
type TranscriptEventType string

const (
	// TranscriptAppended reports a message added at the end of the transcript.
	TranscriptAppended TranscriptEventType = "appended"
	// TranscriptUpdated reports a new text for the in-flight message.
	TranscriptUpdated TranscriptEventType = "updated"
	// TranscriptFrozen reports that the in-flight message reached its final text.
	TranscriptFrozen TranscriptEventType = "frozen"
	// TranscriptRemoved reports that the in-flight message was dropped.
	TranscriptRemoved TranscriptEventType = "removed"
	// TranscriptCleared reports that every message was dropped.
	TranscriptCleared TranscriptEventType = "cleared"
)

var (
	// ErrFrozen is returned when changing a message that is already frozen.
	ErrFrozen = errors.New("message is frozen")
	// ErrInFlight is returned when appending an unfrozen message while another one is still in flight.
	ErrInFlight = errors.New("another message is in flight")
	// ErrMessageNotFound is returned when the referenced message is not in the transcript.
	ErrMessageNotFound = errors.New("message not found")
	// ErrTranscriptClosed is returned when changing a closed transcript.
	ErrTranscriptClosed = errors.New("transcript is closed")
)

// NewTranscript creates an empty Transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		observers: make(map[int]func(TranscriptEvent)),
	}
}

// Subscribe registers fn to be called on every change and returns a function that removes it.
func (t *Transcript) Subscribe(fn func(TranscriptEvent)) func() {
	t.mu.Lock()
	id := t.nextObserver
	t.nextObserver++
	t.observers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

// Messages returns a copy of the current messages in insertion order.
func (t *Transcript) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.messages)
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Append adds msg at the end of the transcript. An unfrozen msg becomes the in-flight message, which
// fails with ErrInFlight if one already exists.
func (t *Transcript) Append(msg Message) error {
	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return ErrTranscriptClosed
	case !msg.Frozen && t.inFlightIndex() != -1:
		t.mu.Unlock()
		return ErrInFlight
	}
	t.messages = append(t.messages, msg)
	t.emit(TranscriptEvent{Type: TranscriptAppended, Index: len(t.messages) - 1, Message: msg})
	return nil
}

// SetText replaces the text of the in-flight message identified by id.
func (t *Transcript) SetText(id, text string) error {
	return t.mutate(id, TranscriptUpdated, func(m *Message) {
		m.Text = text
	})
}

// Freeze sets the final text of the in-flight message identified by id and freezes it.
func (t *Transcript) Freeze(id, text string) error {
	return t.mutate(id, TranscriptFrozen, func(m *Message) {
		m.Text = text
		m.Frozen = true
	})
}

// Remove drops the in-flight message identified by id. Frozen messages cannot be removed.
func (t *Transcript) Remove(id string) error {
	t.mu.Lock()
	idx, err := t.inFlight(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	msg := t.messages[idx]
	t.messages = slices.Delete(t.messages, idx, idx+1)
	t.emit(TranscriptEvent{Type: TranscriptRemoved, Index: idx, Message: msg})
	return nil
}

// Clear drops every message. Clearing a closed transcript does nothing.
func (t *Transcript) Clear() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.messages = nil
	t.emit(TranscriptEvent{Type: TranscriptCleared, Index: -1})
}

// Close clears the transcript and rejects every change after it. Close is idempotent.
func (t *Transcript) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.messages = nil
	t.emit(TranscriptEvent{Type: TranscriptCleared, Index: -1})
}

func (t *Transcript) mutate(id string, typ TranscriptEventType, fn func(*Message)) error {
	t.mu.Lock()
	idx, err := t.inFlight(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	fn(&t.messages[idx])
	t.emit(TranscriptEvent{Type: typ, Index: idx, Message: t.messages[idx]})
	return nil
}

// inFlight returns the index of the unfrozen message identified by id. It must be called with mu held.
func (t *Transcript) inFlight(id string) (int, error) {
	if t.closed {
		return -1, ErrTranscriptClosed
	}
	idx := t.indexOf(id)
	if idx == -1 {
		return -1, ErrMessageNotFound
	}
	if t.messages[idx].Frozen {
		return -1, ErrFrozen
	}
	return idx, nil
}

// emit queues ev and releases mu. Unless a notifier is already running, the caller becomes the notifier
// and delivers the queue until it is empty.
func (t *Transcript) emit(ev TranscriptEvent) {
	t.pending = append(t.pending, ev)
	if t.dispatching {
		t.mu.Unlock()
		return
	}
	t.dispatching = true

	for len(t.pending) > 0 {
		next := t.pending[0]
		t.pending = t.pending[1:]
		observers := t.snapshotObservers()
		t.mu.Unlock()

		notify(observers, next)

		t.mu.Lock()
	}
	t.pending = nil
	t.dispatching = false
	t.mu.Unlock()
}

// indexOf searches from the end, where the in-flight message lives.
func (t *Transcript) indexOf(id string) int {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Transcript) inFlightIndex() int {
	return slices.IndexFunc(t.messages, func(m Message) bool { return !m.Frozen })
}

func (t *Transcript) snapshotObservers() []func(TranscriptEvent) {
	if len(t.observers) == 0 {
		return nil
	}
	ids := make([]int, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fns := make([]func(TranscriptEvent), len(ids))
	for i, id := range ids {
		fns[i] = t.observers[id]
	}
	return fns
}

func notify(observers []func(TranscriptEvent), ev TranscriptEvent) {
	for _, fn := range observers {
		fn(ev)
	}
}
