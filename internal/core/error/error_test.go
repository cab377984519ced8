package errx

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindAndStatusThroughWrapping(t *testing.T) {
	base := Input("Message too long")
	wrapped := fmt.Errorf("ask: %w", base)

	assert.Equal(t, KindInput, KindOf(wrapped))
	assert.Equal(t, http.StatusBadRequest, StatusOf(wrapped))

	var appErr *AppError
	require.True(t, errors.As(wrapped, &appErr))
	assert.Equal(t, "Message too long", appErr.Message)
}

func TestUnknownErrorDefaults(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindUnknown, KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
}

func TestUpstreamKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Upstream(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, UpstreamErrorMessage+": connection reset", err.Error())
}

func TestRateLimitedCarriesReset(t *testing.T) {
	reset := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	err := RateLimited(0, reset)

	assert.Equal(t, http.StatusTooManyRequests, err.Status)
	assert.Equal(t, reset, err.ResetAt)
	assert.Zero(t, err.Remaining)
}

func TestWrapRedis(t *testing.T) {
	assert.NoError(t, WrapRedis(nil))

	notFound := WrapRedis(redis.Nil)
	assert.Equal(t, http.StatusNotFound, StatusOf(notFound))
	assert.ErrorIs(t, notFound, redis.Nil)

	other := WrapRedis(errors.New("dial tcp: refused"))
	assert.Equal(t, http.StatusBadGateway, StatusOf(other))
	assert.Equal(t, KindRedis, KindOf(other))
}
