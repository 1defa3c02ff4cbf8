package errx

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
)

// WrapRedis maps Redis errors to AppError with appropriate status codes.
// redis.Nil additionally carries the not-found kind so callers can branch
// with errors.Is instead of comparing driver sentinels.
func WrapRedis(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, redis.Nil) {
		return New(fmt.Errorf("%w: %w", ErrNotFound, err), http.StatusNotFound, RedisNotFoundMessage)
	}

	return New(fmt.Errorf("%w: %w", ErrPersistence, err), http.StatusBadGateway, RedisErrorMessage)
}
