package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/rigging/internal/autosave"
)

const (
	RealtimeEventRecordsChanged = "records-change"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "rigging-api"
)

// RealtimeMessage carries the committed changes of one record type from one save.
type RealtimeMessage struct {
	RecordType string
	EventType  string
	SaveID     string
	Changes    []recordChangePayload
	Timestamp  time.Time
}

// RealtimeDispatcher fans committed saves out to stream subscribers keyed by
// record type. It implements autosave.CommitObserver.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, recordType string) (<-chan RealtimeMessage, func()) {
	if recordType == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(recordType, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(recordType, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber of its record type. Slow
// subscribers drop messages instead of blocking the publisher.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.RecordType == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.RecordType]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Committed groups the changes of commit by record type and publishes one
// message per type, preserving write order inside each message.
func (d *RealtimeDispatcher) Committed(_ context.Context, commit autosave.Commit) {
	var order []string
	grouped := map[string][]recordChangePayload{}
	for _, change := range commit.Changes {
		if _, seen := grouped[change.Type]; !seen {
			order = append(order, change.Type)
		}
		grouped[change.Type] = append(grouped[change.Type], recordChangePayload{
			ID:      change.ID,
			Action:  string(change.Action),
			Changes: renderChanges(change.Changes),
		})
	}
	now := d.clock().UTC()
	for _, recordType := range order {
		d.Publish(RealtimeMessage{
			RecordType: recordType,
			EventType:  RealtimeEventRecordsChanged,
			SaveID:     commit.SaveID,
			Changes:    grouped[recordType],
			Timestamp:  now,
		})
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(recordType string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[recordType]; !ok {
		d.subscribers[recordType] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[recordType][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(recordType string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[recordType]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, recordType)
		}
	}
	d.mu.Unlock()
}
