package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/spreadsheet"
)

const (
	RealtimeEventRemoteRevision  = "remote-revision"
	RealtimeEventSnapshotCreated = "snapshot-created"
	RealtimeEventDocumentReset   = "document-reset"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "sheetsync-backend"
	defaultRealtimeBufferSize    = 16
)

// RealtimeMessage is one event fanned out to the subscribers of a document.
type RealtimeMessage struct {
	DocumentID   string
	EventType    string
	Revision     *spreadsheet.RevisionMessage
	RevisionUUID string
	Timestamp    time.Time
}

// RealtimeDispatcher fans document events out to subscribed streams. A
// subscriber whose buffer is full misses the event and must rejoin.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBufferSize,
	}
}

// Subscribe registers a stream for documentID until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, documentID string) (<-chan RealtimeMessage, func()) {
	if documentID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(documentID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(documentID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every current subscriber of its document.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.DocumentID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.DocumentID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the open streams of documentID.
func (d *RealtimeDispatcher) SubscriberCount(documentID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[documentID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(documentID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[documentID]; !ok {
		d.subscribers[documentID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[documentID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(documentID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[documentID]
	if subscribers == nil {
		return
	}
	if subscriber, ok := subscribers[subscriberID]; ok {
		delete(subscribers, subscriberID)
		close(subscriber.stream)
	}
	if len(subscribers) == 0 {
		delete(d.subscribers, documentID)
	}
}
