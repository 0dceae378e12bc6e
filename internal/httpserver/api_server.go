package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"CapStatsServer/internal/auth"
	"CapStatsServer/internal/board"
	"CapStatsServer/internal/jsonstore"
	"CapStatsServer/internal/logger"
	"CapStatsServer/internal/metrics"
	"CapStatsServer/internal/session"
	"CapStatsServer/internal/stats"
)

// Options HTTP服务参数
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
}

// Deps 服务依赖；Board、Auth、Logs 可以为nil
type Deps struct {
	Tracker *stats.Tracker
	Board   *board.Service
	// Auth 为nil时社区接口直接信任表单中的uid，sso兑换返回503
	Auth *auth.Gateway
	// UploadDir 非空时以 UploadURLPrefix 提供本地图片静态访问
	UploadDir       string
	UploadURLPrefix string
	Logs            *logger.WebSocketLogger
	// Health 附加到/health响应中的信息
	Health func() map[string]interface{}
}

// APIServer HTTP API服务器
type APIServer struct {
	router   *mux.Router
	server   *http.Server
	deps     Deps
	validate *validator.Validate

	// 统计信息
	requestCount int64
	errorCount   int64
	startTime    time.Time
	mu           sync.RWMutex
}

// APIResponse 错误响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewAPIServer 创建HTTP API服务器
func NewAPIServer(opts Options, deps Deps) *APIServer {
	s := &APIServer{
		router:    mux.NewRouter(),
		deps:      deps,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		startTime: time.Now(),
	}

	s.setupRoutes()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	// 游玩会话
	s.router.HandleFunc("/events/start", s.startSessionHandler).Methods("POST")
	s.router.HandleFunc("/events/end", s.endSessionHandler).Methods("POST")

	// 统计查询
	s.router.HandleFunc("/stats/players/{uid}", s.getPlayerStatsHandler).Methods("GET")
	s.router.HandleFunc("/stats/cases", s.getCasesHandler).Methods("GET")
	s.router.HandleFunc("/stats/cases/{caseid}", s.getCaseHandler).Methods("GET")
	s.router.HandleFunc("/sessions", s.getSessionsHandler).Methods("GET")

	// 社区
	if s.deps.Board != nil {
		community := s.router.PathPrefix("/community").Subrouter()
		community.HandleFunc("/posts", s.createPostHandler).Methods("POST")
		community.HandleFunc("/posts", s.listPostsHandler).Methods("GET")
		community.HandleFunc("/posts/{id}", s.getPostHandler).Methods("GET")
		community.HandleFunc("/posts/{id}", s.updatePostHandler).Methods("PUT")
		community.HandleFunc("/posts/{id}", s.deletePostHandler).Methods("DELETE")
		community.HandleFunc("/posts/{id}/comments", s.addCommentHandler).Methods("POST")
		community.HandleFunc("/sso/consume", s.consumeCodeHandler).Methods("POST")
	}
	// 登录前端直接调用的旧路径
	s.router.HandleFunc("/sso/consume", s.consumeCodeHandler).Methods("POST")

	if s.deps.UploadDir != "" {
		prefix := s.deps.UploadURLPrefix
		if prefix == "" {
			prefix = "/uploads"
		}
		s.router.PathPrefix(prefix + "/").Handler(
			http.StripPrefix(prefix+"/", http.FileServer(http.Dir(s.deps.UploadDir)))).Methods("GET", "HEAD")
	}

	// 健康检查和监控
	s.router.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	if s.deps.Logs != nil {
		s.router.HandleFunc("/ws/logs", s.deps.Logs.HandleWebSocket)
	}
	s.router.HandleFunc("/", s.rootHandler).Methods("GET")
}

// statusRecorder 记录响应状态码
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack /ws/logs 升级需要
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("%s %s %s %d %v", r.Method, r.RequestURI, r.RemoteAddr, rec.status, time.Since(start))
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())

		s.mu.Lock()
		s.requestCount++
		s.mu.Unlock()
	})
}

func (s *APIServer) rootHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]string{"message": "CapStats backend running"})
}

// 健康检查
func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	}
	if s.deps.Tracker != nil {
		table := s.deps.Tracker.Table()
		body["active_sessions"] = table.Len()
		body["session_capacity"] = table.Capacity()
	}
	if s.deps.Logs != nil {
		body["log_clients"] = s.deps.Logs.ClientCount()
	}
	for k, v := range s.GetStats() {
		body[k] = v
	}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			body[k] = v
		}
	}
	s.writeJSONResponse(w, http.StatusOK, body)
}

// 辅助方法
func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		log.Printf("⚠️ 写入响应失败: %v", err)
	}
}

// writeDomainError 把领域错误映射为HTTP状态码
func (s *APIServer) writeDomainError(w http.ResponseWriter, err error) {
	if board.IsClientError(err) || auth.IsCodeError(err) {
		logger.LogWarning("http", fmt.Sprintf("请求被拒绝: %v", err))
	}
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "session_not_found", "Session not found")
	case errors.Is(err, session.ErrTableFull):
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "too_many_sessions", "Too many open sessions")
	case errors.Is(err, stats.ErrNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "stats_not_found", "No stats recorded")
	case errors.Is(err, board.ErrNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "post_not_found", "post not found")
	case errors.Is(err, board.ErrForbidden):
		s.writeErrorResponse(w, http.StatusForbidden, "forbidden", "Only the author can modify this post")
	case errors.Is(err, board.ErrInvalid):
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		s.writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, auth.ErrCodeNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "code_not_found", "Exchange code not found")
	case errors.Is(err, auth.ErrCodeUsed):
		s.writeErrorResponse(w, http.StatusConflict, "code_used", "Exchange code already used")
	case errors.Is(err, auth.ErrCodeExpired):
		s.writeErrorResponse(w, http.StatusGone, "code_expired", "Exchange code expired")
	case errors.Is(err, auth.ErrDisabled):
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "auth_disabled", "Authentication is not configured")
	case errors.Is(err, jsonstore.ErrCorrupt):
		logger.LogError("http", fmt.Sprintf("存储文件损坏: %v", err))
		s.writeErrorResponse(w, http.StatusInternalServerError, "storage_corrupt", "Stored data is corrupt")
	default:
		logger.LogError("http", fmt.Sprintf("内部错误: %v", err))
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// Handler 完整的HTTP处理链（含CORS），测试使用
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// Addr 监听地址
func (s *APIServer) Addr() string {
	return s.server.Addr
}

// Start 启动服务器，正常关闭时返回nil
func (s *APIServer) Start() error {
	log.Printf("🚀 HTTP API服务器启动于 %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *APIServer) Shutdown(ctx context.Context) error {
	log.Printf("🛑 HTTP API服务器正在关闭")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"total_requests": s.requestCount,
		"error_count":    s.errorCount,
	}
}
