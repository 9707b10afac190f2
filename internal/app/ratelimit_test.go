package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

// fakeScripter answers every script call with a fixed reply.
type fakeScripter struct {
	redis.Scripter
	reply []interface{}
	err   error
	keys  []string
}

func (f *fakeScripter) EvalSha(ctx context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	f.keys = keys
	return redis.NewCmdResult(f.reply, f.err)
}

func limitedRouter(rdb redis.Scripter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(ctxUserID, "u1"); c.Next() })
	cfg := RateLimit{Enabled: true, Capacity: 3, Every: time.Second, Prefix: "rl"}
	r.POST("/book", RateLimitMiddleware(cfg, rdb, slog.New(slog.NewTextHandler(io.Discard, nil))), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})
	return r
}

func TestRateLimitAllows(t *testing.T) {
	rdb := &fakeScripter{reply: []interface{}{int64(1), int64(2), int64(0)}}
	w := httptest.NewRecorder()
	limitedRouter(rdb).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/book", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, []string{"rl:user:u1:route:POST /book"}, rdb.keys)
}

func TestRateLimitBlocks(t *testing.T) {
	rdb := &fakeScripter{reply: []interface{}{int64(0), int64(0), int64(1500)}}
	w := httptest.NewRecorder()
	limitedRouter(rdb).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/book", nil))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestRateLimitFailsOpen(t *testing.T) {
	rdb := &fakeScripter{err: errors.New("connection refused")}
	w := httptest.NewRecorder()
	limitedRouter(rdb).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/book", nil))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	limitedRouter(nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/book", nil))
	assert.Equal(t, http.StatusCreated, w.Code)
}
