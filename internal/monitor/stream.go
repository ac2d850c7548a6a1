package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ismaiel54/order-execution-engine/internal/broker"
	"go.uber.org/zap"
)

const defaultPartialFillGrace = 3 * time.Second

// StreamSource resolves orders from the broker's trade-updates push channel.
// One StreamSource is owned by one ladder invocation: the connection is
// pre-warmed once and reused across that invocation's steps, and torn down
// by Close on every exit path.
type StreamSource struct {
	conn   *websocket.Conn
	getter OrderGetter
	log    *zap.Logger
	grace  time.Duration

	mu       sync.Mutex
	terminal map[string]string
	partial  map[string]bool
	notify   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Source = (*StreamSource)(nil)

// DialStream connects, authenticates and subscribes to trade updates. Any
// failure here is a setup failure; the factory falls back to polling.
func DialStream(ctx context.Context, cfg StreamConfig, getter OrderGetter, log *zap.Logger) (*StreamSource, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	auth := map[string]any{
		"action": "authenticate",
		"data": map[string]any{
			"key_id":     cfg.KeyID,
			"secret_key": cfg.SecretKey,
		},
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, err
	}
	listen := map[string]any{
		"action": "listen",
		"data":   map[string]any{"streams": []string{"trade_updates"}},
	}
	if err := conn.WriteJSON(listen); err != nil {
		conn.Close()
		return nil, err
	}

	grace := cfg.PartialFillGrace
	if grace <= 0 {
		grace = defaultPartialFillGrace
	}

	s := &StreamSource{
		conn:     conn,
		getter:   getter,
		log:      log,
		grace:    grace,
		terminal: make(map[string]string),
		partial:  make(map[string]bool),
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	go s.readLoop()

	log.Info("trade update stream connected", zap.String("url", cfg.URL))
	return s, nil
}

// WaitForCompletion waits on pushed updates for the given ids. A partial
// fill observation grants one short grace extension. Ids still unresolved
// at the deadline get one direct status query before being finalized as
// timeout, protecting against dropped push notifications.
func (s *StreamSource) WaitForCompletion(ctx context.Context, ids []string, maxWait time.Duration) map[string]string {
	results := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return results
	}

	deadline := time.Now().Add(maxWait)
	graceGranted := false

	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}

	for {
		s.mu.Lock()
		for id := range pending {
			if st, ok := s.terminal[id]; ok {
				results[id] = st
				delete(pending, id)
				continue
			}
			if s.partial[id] && !graceGranted {
				graceGranted = true
				deadline = deadline.Add(s.grace)
				s.log.Debug("partial fill observed, extending wait",
					zap.String("order_id", id),
					zap.Duration("grace", s.grace),
				)
			}
		}
		s.mu.Unlock()

		if len(pending) == 0 {
			return results
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}

		timer := time.NewTimer(remaining)
		select {
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		case <-s.closed:
			timer.Stop()
			// Connection lost mid-wait: the double-check below resolves
			// what it can, the rest times out.
		}
		select {
		case <-s.closed:
			for id := range pending {
				results[id] = doubleCheck(ctx, s.getter, id, s.log)
			}
			return results
		default:
		}
	}

	for id := range pending {
		results[id] = doubleCheck(ctx, s.getter, id, s.log)
	}
	return results
}

// Close tears down the stream connection. Idempotent.
func (s *StreamSource) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func (s *StreamSource) readLoop() {
	defer s.Close()
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Error("stream read error", zap.Error(err))
				}
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *StreamSource) handleMessage(data []byte) {
	var msg struct {
		Stream string `json:"stream"`
		Data   struct {
			Event string `json:"event"`
			Order struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Stream != "trade_updates" || msg.Data.Order.ID == "" {
		return
	}

	status := NormalizeStatus(msg.Data.Event)
	if status == "" {
		status = NormalizeStatus(msg.Data.Order.Status)
	}
	if status == "" {
		return
	}

	orderID := msg.Data.Order.ID
	s.mu.Lock()
	switch {
	case status.Terminal():
		s.terminal[orderID] = string(status)
	case status == broker.StatusPartiallyFilled:
		s.partial[orderID] = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// NormalizeStatus maps broker status strings, including dotted enum-like
// forms such as "OrderStatus.FILLED", into the canonical status set.
// Unrecognized strings map to "".
func NormalizeStatus(raw string) broker.OrderStatus {
	v := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.LastIndex(v, "."); i >= 0 {
		v = v[i+1:]
	}
	v = strings.TrimPrefix(v, "order_")

	switch v {
	case "fill", "filled":
		return broker.StatusFilled
	case "partial_fill", "partially_filled":
		return broker.StatusPartiallyFilled
	case "canceled", "cancelled":
		return broker.StatusCanceled
	case "rejected":
		return broker.StatusRejected
	case "expired", "done_for_day":
		return broker.StatusExpired
	case "new", "pending_new":
		return broker.StatusNew
	case "accepted":
		return broker.StatusAccepted
	}
	return ""
}
