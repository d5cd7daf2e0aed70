package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genforge/api/internal/model"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewHub(zerolog.Nop())
	go h.Run(ctx)
	return h
}

func receive(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data := <-c.Send:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHub_JobUpdatedMessages(t *testing.T) {
	h := startHub(t)
	c := &Client{JobID: "job-1", Send: make(chan []byte, 8)}
	h.Register(c)

	h.JobUpdated(context.Background(), &model.Job{CorrelationID: "job-1", Status: model.JobStatusProcessing, Progress: 40})
	msg := receive(t, c)
	assert.Equal(t, model.WSMessageTypeProgress, msg["type"])
	assert.EqualValues(t, 40, msg["progress"])

	h.JobUpdated(context.Background(), &model.Job{
		CorrelationID:   "job-1",
		Status:          model.JobStatusCompleted,
		ResultLocations: []string{"https://cdn/x.png"},
	})
	msg = receive(t, c)
	assert.Equal(t, model.WSMessageTypeComplete, msg["type"])
	assert.Equal(t, []any{"https://cdn/x.png"}, msg["result_locations"])

	h.JobUpdated(context.Background(), &model.Job{
		CorrelationID: "job-1",
		Status:        model.JobStatusFailed,
		Error:         &model.ErrorDetail{Code: model.ErrorCodeResultMissing, Message: "no result"},
	})
	msg = receive(t, c)
	assert.Equal(t, model.WSMessageTypeError, msg["type"])
	assert.Equal(t, model.ErrorCodeResultMissing, msg["error"].(map[string]any)["code"])
}

func TestHub_OnlySubscribersReceive(t *testing.T) {
	h := startHub(t)
	mine := &Client{JobID: "job-1", Send: make(chan []byte, 8)}
	other := &Client{JobID: "job-2", Send: make(chan []byte, 8)}
	h.Register(mine)
	h.Register(other)
	assert.Equal(t, 1, h.Subscribers("job-1"))

	h.JobUpdated(context.Background(), &model.Job{CorrelationID: "job-1", Status: model.JobStatusPending})
	receive(t, mine)

	select {
	case <-other.Send:
		t.Fatal("unexpected message for another job")
	case <-time.After(50 * time.Millisecond):
	}

	h.Unregister(mine)
	assert.Eventually(t, func() bool { return h.Subscribers("job-1") == 0 }, time.Second, 10*time.Millisecond)
}
