package event_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/event"
	"github.com/hbomb79/Siphon/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

func Test_ChannelHandlerReceivesRegisteredEvents(t *testing.T) {
	bus := event.New()
	ch := make(event.HandlerChannel, 4)
	bus.RegisterHandlerChannel(ch, event.DOWNLOAD_UPDATE, event.VIDEO_NEW)

	id := uuid.New()
	bus.Dispatch(event.DOWNLOAD_UPDATE, id)
	bus.Dispatch(event.DOWNLOAD_PROGRESS, id)
	bus.Dispatch(event.VIDEO_NEW, id)

	require.Len(t, ch, 2)
	assert.Equal(t, event.HandlerEvent{Event: event.DOWNLOAD_UPDATE, Payload: id}, <-ch)
	assert.Equal(t, event.HandlerEvent{Event: event.VIDEO_NEW, Payload: id}, <-ch)
}

func Test_FunctionHandlers(t *testing.T) {
	bus := event.New()
	id := uuid.New()

	var syncCalls []event.Payload
	bus.RegisterHandlerFunction(event.DOWNLOAD_COMPLETE, func(_ event.Event, p event.Payload) {
		syncCalls = append(syncCalls, p)
	})

	wg := sync.WaitGroup{}
	wg.Add(1)
	bus.RegisterAsyncHandlerFunction(event.DOWNLOAD_COMPLETE, func(_ event.Event, p event.Payload) {
		defer wg.Done()
		assert.Equal(t, id, p)
	})

	bus.Dispatch(event.DOWNLOAD_COMPLETE, id)
	assert.Equal(t, []event.Payload{id}, syncCalls)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler was not called")
	}
}

func Test_InvalidPayloadIsDropped(t *testing.T) {
	bus := event.New()
	ch := make(event.HandlerChannel, 2)
	bus.RegisterHandlerChannel(ch, event.DOWNLOAD_UPDATE)

	bus.Dispatch(event.DOWNLOAD_UPDATE, "not-a-uuid")
	bus.Dispatch(event.DOWNLOAD_UPDATE, nil)
	bus.Dispatch(event.Event("unknown"), uuid.New())

	assert.Empty(t, ch)
}
