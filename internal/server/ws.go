package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The observer endpoint is a same-host demo surface; no origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsObserver adapts one WebSocket connection to the broadcaster's Observer
// interface. Writes are serialized; a failed write poisons the observer and
// the broadcaster drops it.
type wsObserver struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (o *wsObserver) Send(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return o.conn.WriteMessage(websocket.TextMessage, data)
}

func (o *wsObserver) Close() error {
	return o.conn.Close()
}

// handleObserverSocket upgrades the connection and registers it as an event
// observer. The read loop exists only to notice the peer going away.
func (s *Server) handleObserverSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	s.deps.Broadcaster.Register(id, &wsObserver{conn: conn})
	s.logger.Info("observer connected", zap.String("observer", id))

	go func() {
		defer s.deps.Broadcaster.Unregister(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.logger.Info("observer disconnected", zap.String("observer", id))
				return
			}
		}
	}()
}
