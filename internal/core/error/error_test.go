package errx

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestTaxonomySentinels(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		target error
		status int
	}{
		{"not found", NotFound("abc"), ErrNotFound, http.StatusNotFound},
		{"busy", Busy("abc"), ErrBusy, http.StatusConflict},
		{"pool", PoolExhausted(errors.New("deadline")), ErrPoolExhausted, http.StatusServiceUnavailable},
		{"engine", Engine(errors.New("boom")), ErrEngine, http.StatusBadGateway},
		{"closed", Closed("pool"), ErrClosed, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.target)
			assert.Equal(t, tc.status, StatusOf(wrapped))
		})
	}
}

func TestEngineKeepsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Engine(cause)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Engine(nil))
}

func TestWrapRedis(t *testing.T) {
	assert.Nil(t, WrapRedis(nil))
	assert.Equal(t, http.StatusNotFound, StatusOf(WrapRedis(redis.Nil)))
	assert.Equal(t, http.StatusBadGateway, StatusOf(WrapRedis(errors.New("conn refused"))))
}

func TestAsAppError(t *testing.T) {
	var appErr *AppError
	assert.True(t, errors.As(Busy("k"), &appErr))
	assert.Contains(t, appErr.Error(), "processing another message")
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("plain")))
}

func TestInvalid(t *testing.T) {
	err := Invalid("message content is empty")
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 400, StatusOf(err))
	assert.Equal(t, "message content is empty: invalid request", err.Error())
}
