package app

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomcast/internal/chat"
)

func TestRunServerEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("ROOMCAST_ADDR", "127.0.0.1:0")
	t.Setenv("ROOMCAST_REDIS_ADDRS", mr.Addr())
	t.Setenv("ROOMCAST_AUTH_JWT_SECRET", "test-secret")
	t.Setenv("ROOMCAST_STORE_DSN", "file:apptest?mode=memory&cache=shared")
	t.Setenv("ROOMCAST_INSTANCE_ID", "app-test")

	cfg, err := Load("")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handle, err := RunServer(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	base := "http://" + handle.Addr()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(base + "/rooms")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := IssueDevToken(ctx, cfg, "u1", "Alice", "alice@example.com", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, base+"/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+handle.Addr()+cfg.Path, header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev chat.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, chat.EventConnected, ev.Name)
	var payload chat.ConnectedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "u1", payload.UserID)
	assert.Equal(t, "app-test", payload.InstanceID)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, handle.Stop(stopCtx))
	require.NoError(t, handle.Wait())

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, chat.EventSessionEnded, ev.Name)
}
