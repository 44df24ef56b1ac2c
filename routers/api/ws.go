package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"AIStory-server/models"
	"AIStory-server/pipeline"
	"AIStory-server/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn 包一层写锁：转发协程和 pong 响应会并发写同一连接
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) WriteJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsConn) WriteRaw(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// 单阶段事件流 WebSocket：订阅该阶段的 redis 频道并原样转发
func (h *Handler) StageStreamWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")
	stageType := c.Param("stage_type")

	if models.StageIndex(stageType) == -1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown stage type: " + stageType})
		return
	}

	h.streamChannels(c, projectID, service.StageChannel(projectID, stageType))
}

// 项目级事件流 WebSocket：聚合订阅全部阶段频道
func (h *Handler) ProjectStreamWebSocket(c *gin.Context) {
	projectID := c.Param("project_id")

	channels := make([]string, 0, len(models.StageOrder))
	for _, stageType := range models.StageOrder {
		channels = append(channels, service.StageChannel(projectID, stageType))
	}
	h.streamChannels(c, projectID, channels...)
}

func (h *Handler) streamChannels(c *gin.Context, projectID string, channels ...string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := h.Bridge.Subscribe(ctx, channels...)
	defer sub.Close()

	// 连接确认，带上订阅标识
	greetingChannel := service.ProjectChannel(projectID)
	if len(channels) == 1 {
		greetingChannel = channels[0]
	}
	_ = ws.WriteJSON(pipeline.Event{
		Type:      pipeline.EventConnected,
		Channel:   greetingChannel,
		Message:   "已连接到项目 " + projectID + " 的事件流",
		Timestamp: time.Now().Unix(),
	})

	// 读协程：处理客户端心跳，连接断开时取消订阅
	go func() {
		defer cancel()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type      string `json:"type"`
				Timestamp int64  `json:"timestamp"`
			}
			if json.Unmarshal(payload, &msg) == nil && msg.Type == pipeline.EventPing {
				// pong 回显客户端自带的时间戳，便于客户端测往返延迟
				ts := msg.Timestamp
				if ts == 0 {
					ts = time.Now().Unix()
				}
				_ = ws.WriteJSON(pipeline.Event{
					Type:      pipeline.EventPong,
					Timestamp: ts,
				})
			}
		}
	}()

	// 转发 redis 事件，遇到终止事件后稍等再关，给客户端留缓冲处理时间
	msgCh := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			if err := ws.WriteRaw([]byte(msg.Payload)); err != nil {
				log.Printf("WebSocket 写入失败: project=%s err=%v", projectID, err)
				return
			}

			var event struct {
				Type string `json:"type"`
			}
			if json.Unmarshal([]byte(msg.Payload), &event) != nil {
				continue
			}
			if len(channels) == 1 && (event.Type == pipeline.EventDone || event.Type == pipeline.EventError) {
				time.Sleep(time.Second)
				return
			}
		}
	}
}
