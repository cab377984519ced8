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
		e := New(err, http.StatusNotFound, RedisNotFoundMessage)
		e.Kind = KindRedis
		return e
	}

	e := New(err, http.StatusBadGateway, RedisErrorMessage)
	e.Kind = KindRedis
	return e
}
