package logger

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 日志级别
const (
	LevelInfo    = "INFO"
	LevelSuccess = "SUCCESS"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// LogMessage 日志消息结构
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketLogger WebSocket日志广播器
type WebSocketLogger struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

// NewWebSocketLogger 创建新的WebSocket日志器
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run 启动WebSocket日志器，直到Close被调用
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case <-wsl.done:
			wsl.mu.Lock()
			for client := range wsl.clients {
				client.Close()
				delete(wsl.clients, client)
			}
			wsl.mu.Unlock()
			return

		case client := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[client] = true
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("WebSocket客户端已连接，当前连接数: %d", count)

		case client := <-wsl.unregister:
			wsl.mu.Lock()
			if _, ok := wsl.clients[client]; ok {
				delete(wsl.clients, client)
				client.Close()
			}
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("WebSocket客户端已断开，当前连接数: %d", count)

		case message := <-wsl.broadcast:
			wsl.fanOut(message)
		}
	}
}

// fanOut 把一条消息发给所有客户端，写失败的客户端被移除
func (wsl *WebSocketLogger) fanOut(message LogMessage) {
	wsl.mu.Lock()
	defer wsl.mu.Unlock()

	for client := range wsl.clients {
		_ = client.SetWriteDeadline(time.Now().Add(time.Second))
		if err := client.WriteJSON(message); err != nil {
			log.Printf("发送日志消息失败: %v", err)
			delete(wsl.clients, client)
			client.Close()
		}
	}
}

// Close 停止广播并断开所有客户端
func (wsl *WebSocketLogger) Close() {
	wsl.closeOnce.Do(func() {
		close(wsl.done)
	})
}

// ClientCount 当前连接数
func (wsl *WebSocketLogger) ClientCount() int {
	wsl.mu.RLock()
	defer wsl.mu.RUnlock()
	return len(wsl.clients)
}

func (wsl *WebSocketLogger) emit(level, module, message string) {
	logMsg := LogMessage{
		Level:     level,
		Message:   message,
		Module:    module,
		Timestamp: time.Now(),
	}

	// 同时输出到控制台
	log.Printf("[%s] %s: %s", logMsg.Level, module, message)

	select {
	case wsl.broadcast <- logMsg:
	default:
		// 如果通道满了，丢弃消息避免阻塞
	}
}

// LogInfo 记录信息日志
func (wsl *WebSocketLogger) LogInfo(module, message string) {
	wsl.emit(LevelInfo, module, message)
}

// LogError 记录错误日志
func (wsl *WebSocketLogger) LogError(module, message string) {
	wsl.emit(LevelError, module, message)
}

// LogSuccess 记录成功日志
func (wsl *WebSocketLogger) LogSuccess(module, message string) {
	wsl.emit(LevelSuccess, module, message)
}

// LogWarning 记录警告日志
func (wsl *WebSocketLogger) LogWarning(module, message string) {
	wsl.emit(LevelWarning, module, message)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// HandleWebSocket 处理WebSocket连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket升级失败: %v", err)
		return
	}

	// 发送欢迎消息
	welcomeMsg := LogMessage{
		Level:     LevelInfo,
		Message:   "已连接到CapStats日志流",
		Module:    "WebSocket",
		Timestamp: time.Now(),
	}
	if err := conn.WriteJSON(welcomeMsg); err != nil {
		conn.Close()
		return
	}

	// 注册客户端
	select {
	case wsl.register <- conn:
	case <-wsl.done:
		conn.Close()
		return
	}

	// 处理客户端断开
	defer func() {
		select {
		case wsl.unregister <- conn:
		case <-wsl.done:
		}
	}()

	// 保持连接活跃
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket连接错误: %v", err)
			}
			break
		}
	}
}

// 全局日志器实例
var (
	globalMu     sync.RWMutex
	GlobalLogger *WebSocketLogger
)

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger() *WebSocketLogger {
	globalMu.Lock()
	defer globalMu.Unlock()

	if GlobalLogger == nil {
		GlobalLogger = NewWebSocketLogger()
		go GlobalLogger.Run()
	}
	return GlobalLogger
}

func global() *WebSocketLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return GlobalLogger
}

func emitGlobal(level, module, message string) {
	if l := global(); l != nil {
		l.emit(level, module, message)
		return
	}
	log.Printf("[%s] %s: %s", level, module, message)
}

// 便捷函数；全局日志器未初始化时只输出到控制台

func LogInfo(module, message string) {
	emitGlobal(LevelInfo, module, message)
}

func LogError(module, message string) {
	emitGlobal(LevelError, module, message)
}

func LogSuccess(module, message string) {
	emitGlobal(LevelSuccess, module, message)
}

func LogWarning(module, message string) {
	emitGlobal(LevelWarning, module, message)
}
