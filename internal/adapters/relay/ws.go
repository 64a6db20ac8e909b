package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
)

// WS is a relay client for relayd: appends and history over HTTP, the live
// feed over a websocket that carries full ordered snapshots.
type WS struct {
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
}

func NewWS(baseURL string) *WS {
	return &WS{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
}

func (w *WS) Append(ctx context.Context, callID domain.CallID, msg *domain.HandshakeMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.messagesURL(callID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay append: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return nil
}

func (w *WS) History(ctx context.Context, callID domain.CallID) ([]domain.HandshakeMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.messagesURL(callID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay history: %s", resp.Status)
	}
	var msgs []domain.HandshakeMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (w *WS) Subscribe(ctx context.Context, callID domain.CallID, fn func(msgs []domain.HandshakeMessage), onErr func(err error)) (func(), error) {
	wsURL := strings.Replace(w.baseURL, "http", "ws", 1) + "/api/ws/calls/" + string(callID)
	conn, resp, err := w.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("relay feed dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = conn.Close()
		})
	}

	// Single read goroutine: snapshots reach fn serially by construction.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-ctx.Done():
				default:
					if onErr != nil {
						onErr(fmt.Errorf("relay feed read: %w", err))
					}
				}
				return
			}
			var msgs []domain.HandshakeMessage
			if err := json.Unmarshal(data, &msgs); err != nil {
				log.Warn().Err(err).Str("module", "relay.ws").Str("call", string(callID)).Msg("bad snapshot frame")
				continue
			}
			fn(msgs)
		}
	}()

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return cancel, nil
}

func (w *WS) messagesURL(callID domain.CallID) string {
	return w.baseURL + "/api/calls/" + string(callID) + "/messages"
}
