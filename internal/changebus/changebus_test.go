package changebus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/config"
	"agentmesh/internal/logging"
	"agentmesh/internal/store"
)

func testLogger() *logging.Logger {
	return logging.New(&config.Config{LogLevel: "ERROR"})
}

func TestSubscribe_ReceivesPublishedEvent(t *testing.T) {
	b := New(testLogger(), 4, "")
	defer b.Close()

	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(store.ChangeEvent{EventType: store.EventAdded, AgentID: "a1", ResourceVersion: "1"})

	select {
	case evt := <-ch:
		assert.Equal(t, "a1", evt.AgentID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestSubscribe_MultipleWatchersAllReceive(t *testing.T) {
	b := New(testLogger(), 4, "")
	defer b.Close()

	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Publish(store.ChangeEvent{EventType: store.EventAdded, AgentID: "a1", ResourceVersion: "1"})

	for _, ch := range []<-chan store.ChangeEvent{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, "a1", evt.AgentID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for change event")
		}
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New(testLogger(), 4, "")
	defer b.Close()

	ch, unsubscribe := b.Subscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestPublish_SlowWatcherDoesNotBlock(t *testing.T) {
	b := New(testLogger(), 1, "")
	defer b.Close()

	_, unsubscribe := b.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(store.ChangeEvent{EventType: store.EventAdded, AgentID: "a1", ResourceVersion: "1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow watcher")
	}
}

func TestNew_InvalidRedisURLFallsBackToInProcess(t *testing.T) {
	b := New(testLogger(), 4, "not-a-valid-url")
	defer b.Close()
	require.Nil(t, b.redis)
}
