package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AIStory-server/pipeline"
	"AIStory-server/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWSTestServer(t *testing.T) (*httptest.Server, *service.StreamBridge) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	bridge := service.NewStreamBridge(rdb)

	h := NewHandler(nil, nil, nil, bridge)
	r := gin.New()
	r.GET("/ws/projects/:project_id", h.ProjectStreamWebSocket)
	r.GET("/ws/projects/:project_id/stage/:stage_type", h.StageStreamWebSocket)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, bridge
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSEvent(t *testing.T, conn *websocket.Conn) pipeline.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev pipeline.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

func TestStageStreamGreetingCarriesChannel(t *testing.T) {
	srv, _ := newWSTestServer(t)
	conn := dialWS(t, srv, "/ws/projects/p1/stage/rewrite")

	greeting := readWSEvent(t, conn)
	assert.Equal(t, pipeline.EventConnected, greeting.Type)
	assert.Equal(t, service.StageChannel("p1", "rewrite"), greeting.Channel)
	assert.NotZero(t, greeting.Timestamp)
}

func TestProjectStreamGreetingCarriesChannel(t *testing.T) {
	srv, _ := newWSTestServer(t)
	conn := dialWS(t, srv, "/ws/projects/p1")

	greeting := readWSEvent(t, conn)
	assert.Equal(t, pipeline.EventConnected, greeting.Type)
	assert.Equal(t, service.ProjectChannel("p1"), greeting.Channel)
}

func TestPongEchoesClientTimestamp(t *testing.T) {
	srv, _ := newWSTestServer(t)
	conn := dialWS(t, srv, "/ws/projects/p1/stage/rewrite")
	readWSEvent(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":      "ping",
		"timestamp": 12345,
	}))

	pong := readWSEvent(t, conn)
	assert.Equal(t, pipeline.EventPong, pong.Type)
	assert.Equal(t, int64(12345), pong.Timestamp)
}

func TestStageStreamForwardsEventsAndClosesOnDone(t *testing.T) {
	srv, bridge := newWSTestServer(t)
	conn := dialWS(t, srv, "/ws/projects/p1/stage/storyboard")
	readWSEvent(t, conn)

	// 留出订阅在 miniredis 上生效的时间
	time.Sleep(100 * time.Millisecond)

	ctx := context.Background()
	pub := bridge.Publisher("p1", "storyboard")
	require.NoError(t, pub.PublishInfo(ctx, "进行中"))
	require.NoError(t, pub.PublishDone(ctx, map[string]interface{}{"full_text": "结果"}, nil))

	info := readWSEvent(t, conn)
	assert.Equal(t, pipeline.EventInfo, info.Type)

	done := readWSEvent(t, conn)
	assert.Equal(t, pipeline.EventDone, done.Type)
	assert.Equal(t, "结果", done.Data["full_text"])

	// done 之后服务端稍候即关闭连接
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestStageStreamRejectsUnknownStage(t *testing.T) {
	srv, _ := newWSTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/projects/p1/stage/bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}
