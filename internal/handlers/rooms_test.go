package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/liveroom/internal/middleware"
	"github.com/mossy-p/liveroom/internal/models"
	"github.com/mossy-p/liveroom/internal/redis"
	"github.com/mossy-p/liveroom/internal/room"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoomsRouter(t *testing.T) (*gin.Engine, *room.Coordinator, *redis.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redis.NewStore(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { store.Close() })

	coord := room.NewCoordinator(room.WithPresence(store))
	router := NewRouter(RouterConfig{
		JWTSecret: testSecret,
		Hub:       NewHub(HubConfig{}, coord, store, nil, zerolog.Nop()),
		Rooms:     NewRoomHandler(store, coord, zerolog.Nop()),
		Logger:    zerolog.Nop(),
	})
	return router, coord, store
}

func authed(t *testing.T, method, path, user string, role models.Role, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := middleware.IssueToken(testSecret, user, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestRoomLifecycle(t *testing.T) {
	router, coord, _ := newRoomsRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(t, http.MethodPost, "/api/rooms", "host", models.RoleHost,
		models.CreateRoomRequest{EventID: "evt-1", Title: "Opening night", MaxViewers: 2}))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.CreateRoomResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "evt-1", created.RoomID)
	assert.Len(t, created.Code, roomCodeLength)

	_, err := coord.Join("evt-1", "host", models.RoleHost)
	require.NoError(t, err)
	_, err = coord.Join("evt-1", "viewerA", models.RoleViewer)
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/"+created.Code, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var meta models.RoomMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "host", meta.HostID)
	assert.Equal(t, "Opening night", meta.Title)
	assert.Equal(t, 2, meta.ViewerCount)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(t, http.MethodDelete, "/api/rooms/evt-1", "other-host", models.RoleHost, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(t, http.MethodDelete, "/api/rooms/evt-1", "host", models.RoleHost, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, coord.ViewerCount("evt-1"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/evt-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRoomRequiresHost(t *testing.T) {
	router, _, _ := newRoomsRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(t, http.MethodPost, "/api/rooms", "viewerA", models.RoleViewer, models.CreateRoomRequest{}))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(t, http.MethodPost, "/api/rooms", "", "", models.CreateRoomRequest{}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(t, http.MethodPost, "/api/rooms", "host", models.RoleHost, models.CreateRoomRequest{MaxViewers: -1}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin(t *testing.T) {
	router, _, _ := newRoomsRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authed(t, http.MethodPost, "/api/auth/login", "", "",
		LoginRequest{Username: "alice", Password: "x", Role: "host"}))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	claims, err := middleware.ParseToken(testSecret, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, models.RoleHost, claims.Role)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authed(t, http.MethodPost, "/api/auth/login", "", "",
		LoginRequest{Username: "alice", Password: "x", Role: "admin"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOriginFilter(t *testing.T) {
	r := gin.New()
	r.Use(OriginFilter([]string{"https://events.example"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://events.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://events.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
