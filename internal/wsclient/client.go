package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"CapStatsServer/internal/logger"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrGaveUp 重连次数用尽
var ErrGaveUp = errors.New("max reconnect tries exceeded")

// LogHandler 日志消息处理器
type LogHandler func(msg logger.LogMessage)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	ReconnectInterval time.Duration
	// MaxReconnectTries 为0时不重连
	MaxReconnectTries int
	UserAgent         string
	// Levels 非空时只转发这些级别
	Levels []string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		ReconnectInterval: time.Second,
		MaxReconnectTries: 10,
		UserAgent:         "capstats-logs/1.0",
	}
}

// Client 订阅 /ws/logs 的客户端，断线后指数退避重连
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer

	state         atomic.Int32
	onStateChange StateChangeHandler

	mu   sync.Mutex
	conn *websocket.Conn

	received   atomic.Int64
	reconnects atomic.Int32
}

// New 创建新的日志订阅客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout

	c := &Client{
		config: config,
		dialer: &dialer,
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

func (c *Client) wanted(level string) bool {
	if len(c.config.Levels) == 0 {
		return true
	}
	for _, l := range c.config.Levels {
		if l == level {
			return true
		}
	}
	return false
}

// doConnect 执行实际的连接逻辑
func (c *Client) doConnect(ctx context.Context) error {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// readLoop 读取直到连接出错或ctx取消
func (c *Client) readLoop(ctx context.Context, handler LogHandler) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, c.closeConn)
	defer stop()

	for {
		var msg logger.LogMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.received.Add(1)
		if c.wanted(msg.Level) {
			handler(msg)
		}
	}
}

// reconnect 指数退避重连
func (c *Client) reconnect(ctx context.Context) error {
	if c.config.MaxReconnectTries <= 0 {
		return ErrGaveUp
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.ReconnectInterval
	backOff.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		log.Printf("Reconnecting... (attempt %d/%d)", attempt, c.config.MaxReconnectTries)
		return c.doConnect(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(backOff, uint64(c.config.MaxReconnectTries-1)), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrGaveUp, err)
	}
	c.reconnects.Add(1)
	return nil
}

// Tail 连接并持续转发日志，直到ctx取消或重连失败
//
// ctx取消时返回nil。
func (c *Client) Tail(ctx context.Context, handler LogHandler) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}
	defer c.setState(StateClosed)

	if err := c.doConnect(ctx); err != nil {
		return err
	}

	for {
		c.setState(StateConnected)
		err := c.readLoop(ctx, handler)
		c.closeConn()
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("Read message failed: %v", err)

		c.setState(StateReconnecting)
		if err := c.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Printf("Reconnected successfully")
	}
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	if c.state.CompareAndSwap(int32(oldState), int32(newState)) {
		if c.onStateChange != nil {
			c.onStateChange(oldState, newState)
		}
		return true
	}
	return false
}

// Reconnects 成功重连次数
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":      c.getState().String(),
		"received":   c.received.Load(),
		"reconnects": c.Reconnects(),
	}
}
