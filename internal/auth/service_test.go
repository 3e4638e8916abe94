package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"medchat/internal/config"
	"medchat/internal/redis"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRevocations struct {
	mu     sync.Mutex
	keys   map[string]time.Duration
	failOn error
}

func newMemoryRevocations() *memoryRevocations {
	return &memoryRevocations{keys: map[string]time.Duration{}}
}

func (m *memoryRevocations) Set(_ context.Context, key string, _ interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = ttl
	return nil
}

func (m *memoryRevocations) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil {
		return false, m.failOn
	}
	_, ok := m.keys[key]
	return ok, nil
}

func TestAuthIssueValidateRevoke(t *testing.T) {
	store := newMemoryRevocations()
	svc := NewService("test-secret", time.Hour, store, nil)
	ctx := context.Background()

	token, expires, err := svc.IssueToken(1, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.True(t, time.Until(expires) > 0)

	claims, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.EqualValues(t, 1, claims.UserID)
	assert.Equal(t, "alice", claims.Username)

	require.NoError(t, svc.RevokeToken(ctx, claims))
	ttl := store.keys[revokedKey(claims.ID)]
	assert.True(t, ttl > 0 && ttl <= time.Hour, "unexpected revocation ttl %v", ttl)
	_, err = svc.ValidateToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	other, _, err := svc.IssueToken(1, "alice")
	require.NoError(t, err)
	_, err = svc.ValidateToken(ctx, other)
	assert.NoError(t, err, "second token should still be valid")
}

func TestAuthRejectsBadTokens(t *testing.T) {
	svc := NewService("test-secret", time.Hour, nil, nil)
	ctx := context.Background()

	_, err := svc.ValidateToken(ctx, "")
	assert.ErrorIs(t, err, ErrTokenRequired)
	_, err = svc.ValidateToken(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign, _, err := NewService("other-secret", time.Hour, nil, nil).IssueToken(1, "alice")
	require.NoError(t, err)
	_, err = svc.ValidateToken(ctx, foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: 2,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(ctx, signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = svc.IssueToken(0, "nobody")
	assert.Error(t, err)
}

func TestAuthRevocationStoreOutageFailsOpen(t *testing.T) {
	store := newMemoryRevocations()
	svc := NewService("test-secret", time.Hour, store, nil)
	token, _, err := svc.IssueToken(3, "carol")
	require.NoError(t, err)

	store.failOn = errors.New("connection refused")
	_, err = svc.ValidateToken(context.Background(), token)
	assert.NoError(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService("test-secret", time.Hour, nil, nil)
	router := gin.New()
	router.GET("/me", svc.Middleware(), func(c *gin.Context) {
		id, ok := UserIDFromContext(c)
		claims, _ := ClaimsFromContext(c)
		if !ok || claims == nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": id, "username": claims.Username})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, _, err := svc.IssueToken(5, "erin")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token+"x")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRevocationUsesRedis(t *testing.T) {
	client := newRedisClient(t)

	svc := NewService("test-secret", time.Hour, client, nil)
	ctx := context.Background()
	token, _, err := svc.IssueToken(10, "frank")
	require.NoError(t, err)
	claims, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(ctx, claims))
	revoked, err := client.Exists(ctx, revokedKey(claims.ID))
	require.NoError(t, err)
	assert.True(t, revoked)
	_, err = svc.ValidateToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	client, err := redis.NewRedisClient(&config.Config{
		Redis: config.RedisConfig{Host: host, Port: port, DB: db},
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}
