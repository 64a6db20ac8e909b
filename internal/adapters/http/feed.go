package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedConn pushes snapshot frames to one subscriber.
type feedConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *feedConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *feedConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// handleFeed upgrades to a websocket and streams the call's full ordered
// collection on every change, starting with the current contents.
func handleFeed(ctx context.Context, c *gin.Context, store core.Relay) {
	callID := domain.CallID(c.Param("id"))
	log.Info().Str("module", "adapters.http").Str("call", string(callID)).Msg("new feed connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}

	conn := &feedConn{
		conn: ws,
		send: make(chan []byte, 8),
	}

	cancel, err := store.Subscribe(ctx, callID, func(msgs []domain.HandshakeMessage) {
		data, err := json.Marshal(msgs)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("snapshot marshal")
			return
		}
		if err := conn.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("call", string(callID)).Msg("feed send dropped")
		}
	}, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("store subscribe")
		conn.Close()
		return
	}

	ctx, stop := context.WithCancel(ctx)
	go writePump(ctx, conn)
	go readPump(ctx, callID, conn, func() {
		stop()
		cancel()
	})
	// Server shutdown drops the feed; readPump unblocks on the closed conn.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
}

func writePump(ctx context.Context, c *feedConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump only watches for the client going away; the feed is one-way.
func readPump(ctx context.Context, callID domain.CallID, c *feedConn, done func()) {
	defer func() {
		log.Info().Str("module", "adapters.http").Str("call", string(callID)).Msg("feed closing")
		done()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
