package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TopicDispatch, map[string]string{"code": "print(1)"})

	select {
	case ev := <-ch:
		assert.Equal(t, TopicDispatch, ev.Type)
		assert.Equal(t, int64(1), ev.ID)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		assert.Equal(t, "print(1)", payload["code"])
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribeFiltersTopics(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe(TopicCancel)
	defer cancel()

	h.Publish(TopicStatus, nil)
	h.Publish(TopicCancel, map[string]int{"dropped": 2})

	ev := <-ch
	assert.Equal(t, TopicCancel, ev.Type)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}
}

func TestRingBufferKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TopicStatus, i)
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(TopicStatus, nil)
	}
	assert.Equal(t, int64(10), h.Dropped())
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	h.Publish(TopicState, nil)
}
