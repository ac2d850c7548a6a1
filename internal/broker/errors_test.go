package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyResponse(t *testing.T) {
	err := classifyResponse(429, []byte(`{"message":"rate limit exceeded"}`))
	assert.True(t, IsTransient(err))
	assert.False(t, IsRejected(err))

	err = classifyResponse(503, []byte(`upstream unavailable`))
	assert.True(t, IsTransient(err))

	err = classifyResponse(403, []byte(`{"code":40310000,"message":"insufficient buying power"}`))
	require.True(t, IsRejected(err))
	var re *RejectedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 403, re.Status)
	assert.Equal(t, 40310000, re.Code)
	assert.Equal(t, "insufficient buying power", re.Reason)

	err = classifyResponse(422, []byte(`not json at all`))
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "not json at all", re.Reason, "non-JSON bodies become the reason verbatim")
}

func TestIsNotFractionable(t *testing.T) {
	assert.True(t, IsNotFractionable(&RejectedError{Reason: "asset AAPL is not fractionable"}))
	assert.True(t, IsNotFractionable(fmt.Errorf("submit: %w", &RejectedError{Reason: "Not Fractionable"})))
	assert.False(t, IsNotFractionable(&RejectedError{Reason: "insufficient buying power"}))
	assert.False(t, IsNotFractionable(&TransientError{Err: errors.New("not fractionable")}),
		"transient errors never count as fractionability rejections")
	assert.False(t, IsNotFractionable(nil))
}

func TestTransientErrorUnwraps(t *testing.T) {
	inner := errors.New("connection reset")
	err := fmt.Errorf("do request: %w", &TransientError{Err: inner})
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, inner)
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusTimeout} {
		assert.True(t, s.Terminal(), "%s is terminal", s)
	}
	for _, s := range []OrderStatus{StatusNew, StatusAccepted, StatusPartiallyFilled} {
		assert.False(t, s.Terminal(), "%s is not terminal", s)
	}
}

func TestQuoteUsable(t *testing.T) {
	assert.True(t, Quote{Bid: 10, Ask: 10.05}.Usable())
	assert.True(t, Quote{Bid: 10, Ask: 10}.Usable(), "a locked market is still usable")
	assert.False(t, Quote{Bid: 0, Ask: 10}.Usable())
	assert.False(t, Quote{Bid: 10.10, Ask: 10}.Usable(), "crossed quotes are unusable")
}
