package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"AIStory-server/pipeline"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageChannelName(t *testing.T) {
	assert.Equal(t, "ai_story:project:p1:stage:rewrite", StageChannel("p1", "rewrite"))
}

func newTestBridge(t *testing.T) (*StreamBridge, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStreamBridge(rdb), rdb
}

func receiveEvent(t *testing.T, ch <-chan *redis.Message) pipeline.Event {
	t.Helper()
	select {
	case msg := <-ch:
		var ev pipeline.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("等待事件超时")
		return pipeline.Event{}
	}
}

func TestPublisherDeliversEventsInOrder(t *testing.T) {
	bridge, _ := newTestBridge(t)
	ctx := context.Background()

	sub := bridge.Subscribe(ctx, StageChannel("p1", "rewrite"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	pub := bridge.Publisher("p1", "rewrite")
	require.NoError(t, pub.PublishStageUpdate(ctx, "processing", "开始"))
	require.NoError(t, pub.PublishToken(ctx, "你好", "你好"))
	require.NoError(t, pub.PublishProgress(ctx, 1, 2, "进行中"))
	require.NoError(t, pub.PublishDone(ctx, map[string]interface{}{"full_text": "你好"}, nil))

	first := receiveEvent(t, ch)
	assert.Equal(t, pipeline.EventStageUpdate, first.Type)
	assert.Equal(t, StageChannel("p1", "rewrite"), first.Channel)
	assert.NotZero(t, first.Timestamp)

	token := receiveEvent(t, ch)
	assert.Equal(t, pipeline.EventToken, token.Type)
	assert.Equal(t, "你好", token.Content)

	progress := receiveEvent(t, ch)
	assert.Equal(t, pipeline.EventProgress, progress.Type)
	require.NotNil(t, progress.Progress)
	assert.Equal(t, 50, *progress.Progress)
	assert.Equal(t, 1, progress.Current)
	assert.Equal(t, 2, progress.Total)

	done := receiveEvent(t, ch)
	assert.Equal(t, pipeline.EventDone, done.Type)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, "你好", done.Data["full_text"])
}

func TestPublisherClosedAfterDone(t *testing.T) {
	bridge, _ := newTestBridge(t)
	ctx := context.Background()

	sub := bridge.Subscribe(ctx, StageChannel("p1", "storyboard"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	pub := bridge.Publisher("p1", "storyboard")
	require.NoError(t, pub.PublishDone(ctx, nil, nil))
	receiveEvent(t, ch)

	// done 之后的发布全部丢弃，频道保持静默
	require.NoError(t, pub.PublishToken(ctx, "late", "late"))
	require.NoError(t, pub.PublishInfo(ctx, "late info"))

	select {
	case msg := <-ch:
		t.Fatalf("done 之后不应再有事件: %s", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPublishErrorIsTerminal(t *testing.T) {
	bridge, _ := newTestBridge(t)
	ctx := context.Background()

	sub := bridge.Subscribe(ctx, StageChannel("p2", "image_generation"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	pub := bridge.Publisher("p2", "image_generation")
	require.NoError(t, pub.PublishError(ctx, "provider timeout", 2))

	ev := receiveEvent(t, ch)
	assert.Equal(t, pipeline.EventError, ev.Type)
	assert.Equal(t, "failed", ev.Status)
	assert.Equal(t, "provider timeout", ev.Error)
	require.NotNil(t, ev.RetryCount)
	assert.Equal(t, 2, *ev.RetryCount)

	// error 同样关闭发布器
	require.NoError(t, pub.PublishWarning(ctx, "late"))
	select {
	case msg := <-ch:
		t.Fatalf("error 之后不应再有事件: %s", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProjectWideSubscription(t *testing.T) {
	bridge, _ := newTestBridge(t)
	ctx := context.Background()

	channels := []string{
		StageChannel("p3", "rewrite"),
		StageChannel("p3", "storyboard"),
	}
	sub := bridge.Subscribe(ctx, channels...)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	require.NoError(t, bridge.Publisher("p3", "rewrite").PublishInfo(ctx, "阶段一"))
	require.NoError(t, bridge.Publisher("p3", "storyboard").PublishInfo(ctx, "阶段二"))

	first := receiveEvent(t, ch)
	second := receiveEvent(t, ch)
	assert.Equal(t, channels[0], first.Channel)
	assert.Equal(t, channels[1], second.Channel)
}
