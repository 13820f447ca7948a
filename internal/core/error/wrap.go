package errx

import (
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"
)

// WrapRedis maps Redis errors to AppError with appropriate status codes.
func WrapRedis(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, redis.Nil) {
		return New(err, http.StatusNotFound, RedisNotFoundMessage)
	}

	return New(err, http.StatusBadGateway, RedisErrorMessage)
}

// WrapSQLite wraps a database/sql error raised by the SQLite history store.
func WrapSQLite(err error) error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusInternalServerError, SQLiteErrorMessage)
}
