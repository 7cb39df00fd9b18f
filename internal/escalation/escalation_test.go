package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(0, f.err)
}

func TestRedisNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := newRedisNotifier(pub, "")

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	err := n.Notify(context.Background(), Event{CommitmentID: "cmt_1", Reason: "deadline passed", At: at})
	require.NoError(t, err)
	assert.Equal(t, DefaultChannel, pub.channel)

	var got Event
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, "cmt_1", got.CommitmentID)
	assert.True(t, got.At.Equal(at))
}

func TestRedisNotifier_Error(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	err := newRedisNotifier(pub, "custom").Notify(context.Background(), Event{CommitmentID: "cmt_1"})
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, "custom", pub.channel)
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Event) error {
	c.calls++
	return c.err
}

func TestMulti(t *testing.T) {
	a := &countingNotifier{}
	b := &countingNotifier{err: errors.New("down")}
	c := &countingNotifier{}

	err := Multi{a, b, c, NewLogNotifier(nil)}.Notify(context.Background(), Event{CommitmentID: "cmt_1"})
	assert.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, c.calls, "one failure must not stop delivery to the rest")
}
