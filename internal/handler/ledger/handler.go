package ledger

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zerorouter/zerorouter/backend/internal/model/settlement"
	"github.com/zerorouter/zerorouter/backend/internal/service/journal"
	"github.com/zerorouter/zerorouter/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler 协议日志的HTTP与WebSocket处理器
type Handler struct {
	journal  *journal.Journal
	upgrader websocket.Upgrader
}

// New 创建协议日志处理器
func New(j *journal.Journal) *Handler {
	return &Handler{
		journal: j,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册日志相关路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ledger", h.handleEntries)
	r.Delete("/ledger", h.handleClear)
	r.Get("/ledger/ws", h.handleWebSocket)
}

// FeedMessage is one websocket frame of the live feed. A "snapshot" frame
// carries every entry on connect; "entry" frames carry one new or updated
// entry, matched by ID.
type FeedMessage struct {
	Type      string                   `json:"type"`
	Entries   []settlement.LedgerEntry `json:"entries,omitempty"`
	Entry     *settlement.LedgerEntry  `json:"entry,omitempty"`
	Timestamp int64                    `json:"timestamp"`
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"entries": h.journal.Entries(),
	})
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	h.journal.Clear()
	utils.RespondNoContent(w)
}

// handleWebSocket 推送实时日志
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ledger-ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, cancelSub := h.journal.Subscribe(64)
	defer cancelSub()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// 客户端只会发送控制帧；读循环负责探测断开
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[ledger-ws] read error: %v", err)
				}
				return
			}
		}
	}()

	if err := h.write(conn, FeedMessage{Type: "snapshot", Entries: h.journal.Entries()}); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-updates:
			if !ok {
				return
			}
			if err := h.write(conn, FeedMessage{Type: "entry", Entry: &entry}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg FeedMessage) error {
	msg.Timestamp = time.Now().Unix()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("[ledger-ws] write failed: %v", err)
		return err
	}
	return nil
}
