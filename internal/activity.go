package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/event"
	"github.com/hbomb79/Siphon/pkg/logger"
)

const (
	DEBOUNCE_DURATION  time.Duration = time.Second * 2
	MAX_TIMER_DURATION time.Duration = time.Second * 5

	RAPID_EVENT_DEBOUNCE_DURATION  time.Duration = time.Millisecond * 500
	RAPID_EVENT_MAX_TIMER_DURATION time.Duration = time.Second * 2
)

type (
	broadcastHandler func(uuid.UUID) error

	broadcaster interface {
		BroadcastDownloadUpdate(uuid.UUID) error
		BroadcastDownloadProgressUpdate(uuid.UUID) error
		BroadcastDownloadRemoved(uuid.UUID) error
		BroadcastVideoNew(uuid.UUID) error
	}

	eventKey struct {
		ev event.Event
		id uuid.UUID
	}

	debounceWindow struct {
		debounce time.Duration
		max      time.Duration
	}

	// activityService listens for events on the event bus, and broadcasts
	// the affected resources to connected clients. Frequent events (such
	// as progress) are debounced so that clients are not flooded.
	activityService struct {
		*sync.Mutex
		broadcaster
		eventBus       event.EventHandler
		debounceTimers map[eventKey]*time.Timer
		maxTimers      map[eventKey]*time.Timer
		standard       debounceWindow
		rapid          debounceWindow
	}
)

func newActivityService(broadcaster broadcaster, eventBus event.EventHandler) *activityService {
	return &activityService{
		Mutex:          &sync.Mutex{},
		broadcaster:    broadcaster,
		eventBus:       eventBus,
		debounceTimers: make(map[eventKey]*time.Timer),
		maxTimers:      make(map[eventKey]*time.Timer),
		standard:       debounceWindow{DEBOUNCE_DURATION, MAX_TIMER_DURATION},
		rapid:          debounceWindow{RAPID_EVENT_DEBOUNCE_DURATION, RAPID_EVENT_MAX_TIMER_DURATION},
	}
}

func (service *activityService) Run(ctx context.Context) error {
	messageChan := make(event.HandlerChannel, 100)
	service.eventBus.RegisterHandlerChannel(messageChan,
		event.DOWNLOAD_UPDATE, event.DOWNLOAD_PROGRESS, event.DOWNLOAD_COMPLETE,
		event.DOWNLOAD_REMOVED, event.VIDEO_NEW)

	log.Emit(logger.NEW, "Activity service started\n")
	for {
		select {
		case ev := <-messageChan:
			if err := service.handleEvent(ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev, err)
			}
		case <-ctx.Done():
			service.stopTimers()
			log.Emit(logger.STOP, "Activity service closed\n")
			return nil
		}
	}
}

func (service *activityService) handleEvent(ev event.HandlerEvent) error {
	resourceID, ok := ev.Payload.(uuid.UUID)
	if !ok {
		return errors.New("illegal payload (expected UUID)")
	}

	resourceKey := eventKey{id: resourceID, ev: ev.Event}
	switch ev.Event {
	case event.DOWNLOAD_UPDATE:
		service.scheduleEventBroadcast(resourceKey, service.BroadcastDownloadUpdate, service.standard)
	case event.DOWNLOAD_PROGRESS:
		service.scheduleEventBroadcast(resourceKey, service.BroadcastDownloadProgressUpdate, service.rapid)
	case event.DOWNLOAD_COMPLETE, event.DOWNLOAD_REMOVED:
		// Terminal, so any pending broadcasts for this download are now stale
		service.cancelPending(resourceID, event.DOWNLOAD_UPDATE, event.DOWNLOAD_PROGRESS)
		return service.BroadcastDownloadRemoved(resourceID)
	case event.VIDEO_NEW:
		return service.BroadcastVideoNew(resourceID)
	default:
		return errors.New("unknown event type")
	}

	return nil
}

// scheduleEventBroadcast debounces the broadcast of the resource: the broadcast fires once
// no event has been seen for the debounce duration, or once the max duration has passed
// since the first unbroadcast event (whichever comes first).
func (service *activityService) scheduleEventBroadcast(resourceKey eventKey, handler broadcastHandler, window debounceWindow) {
	service.Lock()
	defer service.Unlock()

	broadcaster := func() { service.broadcast(resourceKey, handler) }

	// Cancel and re-set a debounce timer
	if t, ok := service.debounceTimers[resourceKey]; ok {
		t.Stop()
	}
	service.debounceTimers[resourceKey] = time.AfterFunc(window.debounce, broadcaster)

	// Set a max timer if not already set
	if _, ok := service.maxTimers[resourceKey]; !ok {
		service.maxTimers[resourceKey] = time.AfterFunc(window.max, broadcaster)
	}
}

func (service *activityService) broadcast(resourceKey eventKey, handler broadcastHandler) {
	service.Lock()
	_, pending := service.debounceTimers[resourceKey]
	service.clearTimers(resourceKey)
	service.Unlock()

	if !pending {
		// Both timers fired, or the broadcast was cancelled
		return
	}

	if err := handler(resourceKey.id); err != nil {
		log.Emit(logger.ERROR, "Broadcast of %v failed: %v\n", resourceKey, err)
	}
}

func (service *activityService) cancelPending(id uuid.UUID, events ...event.Event) {
	service.Lock()
	defer service.Unlock()
	for _, ev := range events {
		service.clearTimers(eventKey{ev: ev, id: id})
	}
}

func (service *activityService) clearTimers(resourceKey eventKey) {
	if t, ok := service.debounceTimers[resourceKey]; ok {
		t.Stop()
		delete(service.debounceTimers, resourceKey)
	}

	if t, ok := service.maxTimers[resourceKey]; ok {
		t.Stop()
		delete(service.maxTimers, resourceKey)
	}
}

func (service *activityService) stopTimers() {
	service.Lock()
	defer service.Unlock()
	for key := range service.debounceTimers {
		service.clearTimers(key)
	}
	for key := range service.maxTimers {
		service.clearTimers(key)
	}
}
