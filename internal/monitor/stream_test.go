package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ismaiel54/order-execution-engine/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want broker.OrderStatus
	}{
		{"fill", broker.StatusFilled},
		{"filled", broker.StatusFilled},
		{"OrderStatus.FILLED", broker.StatusFilled},
		{"OrderStatus.PARTIALLY_FILLED", broker.StatusPartiallyFilled},
		{"partial_fill", broker.StatusPartiallyFilled},
		{"canceled", broker.StatusCanceled},
		{"cancelled", broker.StatusCanceled},
		{"order_canceled", broker.StatusCanceled},
		{"rejected", broker.StatusRejected},
		{"expired", broker.StatusExpired},
		{"done_for_day", broker.StatusExpired},
		{"new", broker.StatusNew},
		{"pending_new", broker.StatusNew},
		{"accepted", broker.StatusAccepted},
		{"", broker.OrderStatus("")},
		{"gibberish", broker.OrderStatus("")},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeStatus(tc.raw), "raw=%q", tc.raw)
	}
}

type tradeUpdate struct {
	event   string
	orderID string
	status  string
	delay   time.Duration
}

// newStreamServer runs a minimal trade-updates endpoint: it consumes the
// authenticate and listen messages, then pushes the scripted updates.
func newStreamServer(t *testing.T, updates []tradeUpdate) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// authenticate + listen
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}

		for _, u := range updates {
			time.Sleep(u.delay)
			msg := map[string]any{
				"stream": "trade_updates",
				"data": map[string]any{
					"event": u.event,
					"order": map[string]any{
						"id":     u.orderID,
						"status": u.status,
					},
				},
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_PushedFillResolves(t *testing.T) {
	srv := newStreamServer(t, []tradeUpdate{
		{event: "fill", orderID: "ord-1", status: "filled", delay: 50 * time.Millisecond},
	})
	defer srv.Close()

	getter := &scriptedGetter{}
	src, err := DialStream(context.Background(), StreamConfig{URL: wsURL(srv)}, getter, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer src.Close()

	results := src.WaitForCompletion(context.Background(), []string{"ord-1"}, 3*time.Second)
	assert.Equal(t, string(broker.StatusFilled), results["ord-1"])
	assert.Zero(t, getter.queryCount(), "a pushed fill needs no direct queries")
}

func TestStream_PartialFillExtendsWait(t *testing.T) {
	srv := newStreamServer(t, []tradeUpdate{
		{event: "partial_fill", orderID: "ord-1", status: "partially_filled", delay: 30 * time.Millisecond},
		{event: "fill", orderID: "ord-1", status: "filled", delay: 400 * time.Millisecond},
	})
	defer srv.Close()

	cfg := StreamConfig{URL: wsURL(srv), PartialFillGrace: 2 * time.Second}
	getter := &scriptedGetter{}
	src, err := DialStream(context.Background(), cfg, getter, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer src.Close()

	// The base budget expires before the fill arrives; the grace extension
	// granted on the partial fill covers the rest.
	results := src.WaitForCompletion(context.Background(), []string{"ord-1"}, 200*time.Millisecond)
	assert.Equal(t, string(broker.StatusFilled), results["ord-1"])
}

func TestStream_UnresolvedFinalizesViaDirectQuery(t *testing.T) {
	srv := newStreamServer(t, nil)
	defer srv.Close()

	// The push channel stays silent but the REST side knows the order
	// filled: the pre-timeout double check must pick that up.
	getter := &scriptedGetter{orders: map[string]*broker.Order{
		"ord-1": {ID: "ord-1", Status: broker.StatusFilled},
	}}
	src, err := DialStream(context.Background(), StreamConfig{URL: wsURL(srv)}, getter, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer src.Close()

	results := src.WaitForCompletion(context.Background(), []string{"ord-1"}, 150*time.Millisecond)
	assert.Equal(t, string(broker.StatusFilled), results["ord-1"])
	assert.Equal(t, 1, getter.queryCount())
}

func TestStream_SilentChannelTimesOut(t *testing.T) {
	srv := newStreamServer(t, nil)
	defer srv.Close()

	getter := &scriptedGetter{orders: map[string]*broker.Order{
		"ord-1": {ID: "ord-1", Status: broker.StatusNew},
	}}
	src, err := DialStream(context.Background(), StreamConfig{URL: wsURL(srv)}, getter, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer src.Close()

	start := time.Now()
	results := src.WaitForCompletion(context.Background(), []string{"ord-1"}, 200*time.Millisecond)
	assert.Equal(t, StatusTimeout, results["ord-1"])
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	srv := newStreamServer(t, nil)
	defer srv.Close()

	src, err := DialStream(context.Background(), StreamConfig{URL: wsURL(srv)}, &scriptedGetter{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	src.Close()
	src.Close()
}

func TestStream_ClosedConnectionResolvesViaDirectQuery(t *testing.T) {
	srv := newStreamServer(t, nil)
	defer srv.Close()

	getter := &scriptedGetter{orders: map[string]*broker.Order{
		"ord-1": {ID: "ord-1", Status: broker.StatusCanceled},
	}}
	src, err := DialStream(context.Background(), StreamConfig{URL: wsURL(srv)}, getter, zaptest.NewLogger(t))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		src.Close()
	}()

	results := src.WaitForCompletion(context.Background(), []string{"ord-1"}, 5*time.Second)
	assert.Equal(t, string(broker.StatusCanceled), results["ord-1"])
}

func TestNewSource_EmptyURLFallsBackToPolling(t *testing.T) {
	src := NewSource(context.Background(), StreamConfig{}, &scriptedGetter{}, zaptest.NewLogger(t))
	defer src.Close()
	_, ok := src.(*PollingSource)
	assert.True(t, ok)
}

func TestNewSource_DialFailureFallsBackToPolling(t *testing.T) {
	src := NewSource(context.Background(), StreamConfig{URL: "ws://127.0.0.1:1/stream"}, &scriptedGetter{}, zaptest.NewLogger(t))
	defer src.Close()
	_, ok := src.(*PollingSource)
	assert.True(t, ok)
}
