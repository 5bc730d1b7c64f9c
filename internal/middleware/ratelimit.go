package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// RateLimitPrefix namespaces rate-limit counters in Redis.
const RateLimitPrefix = "settlement:rl"

// fixedWindow counts hits in KEYS[1], starting a window of ARGV[1]
// milliseconds on the first hit, and returns { hits, remaining window ms }.
var fixedWindow = redis.NewScript(`
	local hits = redis.call('INCR', KEYS[1])
	if hits == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	return { hits, ttl }
`)

// RateLimit allows each caller at most limit requests per window on the
// wrapped routes.  The caller is the authenticated subject, or the client
// IP when no subject is set.  A nil client or a non-positive limit disables
// limiting, and Redis errors let the request through.
func RateLimit(rdb redis.Scripter, limit int, window time.Duration) echo.MiddlewareFunc {
	if rdb == nil || limit <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := rateKey(c)
			vals, err := fixedWindow.Run(c.Request().Context(), rdb, []string{key}, window.Milliseconds()).Result()
			if err != nil {
				c.Logger().Warnf("[ratelimit] redis error for key=%s: %v", key, err)
				return next(c)
			}
			arr, ok := vals.([]interface{})
			if !ok || len(arr) != 2 {
				c.Logger().Warnf("[ratelimit] unexpected script result for key=%s: %#v", key, vals)
				return next(c)
			}
			hits, ttlMs := asInt64(arr[0]), asInt64(arr[1])

			remaining := int64(limit) - hits
			if remaining < 0 {
				remaining = 0
			}
			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if hits > int64(limit) {
				secs := int(math.Ceil(float64(ttlMs) / 1000.0))
				if secs < 0 {
					secs = 0
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error":       "too_many_requests",
					"retry_after": secs,
				})
			}
			return next(c)
		}
	}
}

func rateKey(c echo.Context) string {
	caller := "ip:" + c.RealIP()
	if sub, ok := c.Get("subject").(string); ok && sub != "" {
		caller = "sub:" + sub
	}
	route := c.Request().Method + " " + c.Path()
	return strings.Join([]string{RateLimitPrefix, caller, route}, ":")
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	n, _ := strconv.ParseInt(fmt.Sprint(v), 10, 64)
	return n
}
