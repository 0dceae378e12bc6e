package logger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketLogger_BroadcastsToClients(t *testing.T) {
	wsl := NewWebSocketLogger()
	go wsl.Run()
	defer wsl.Close()

	srv := httptest.NewServer(http.HandlerFunc(wsl.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var welcome LogMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "WebSocket", welcome.Module)

	// 等待注册完成
	require.Eventually(t, func() bool { return wsl.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	wsl.LogSuccess("stats", "recorded")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg LogMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, LevelSuccess, msg.Level)
	assert.Equal(t, "stats", msg.Module)
	assert.Equal(t, "recorded", msg.Message)
	t.Log("✅ log message delivered over websocket")
}

func TestWebSocketLogger_DropsWhenChannelFull(t *testing.T) {
	// 没有Run循环消费，通道写满后不能阻塞
	wsl := NewWebSocketLogger()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			wsl.LogInfo("test", "spam")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logging blocked on a full broadcast channel")
	}
}

func TestGlobalHelpersWithoutInit(t *testing.T) {
	// 全局日志器为空时只打印到控制台
	assert.NotPanics(t, func() {
		LogInfo("test", "no global logger")
		LogError("test", "still fine")
	})
}
