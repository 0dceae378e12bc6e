package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config 会话负载测试配置
type Config struct {
	BaseURL string
	Clients int
	// Duration 为0时只按SessionsPerClient运行
	Duration time.Duration
	// SessionsPerClient 为0时持续运行直到Duration结束
	SessionsPerClient int
	Users             int
	Cases             []string
	// ClearRatio judge=true 的比例
	ClearRatio float64
	// PlayTime 每局在start和end之间等待的时长
	PlayTime time.Duration
	Timeout  time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		Clients:           10,
		Duration:          30 * time.Second,
		SessionsPerClient: 0,
		Users:             100,
		Cases:             []string{"case-1", "case-2", "case-3"},
		ClearRatio:        0.5,
		Timeout:           10 * time.Second,
	}
}

// Validate 验证配置
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if c.Clients <= 0 {
		return fmt.Errorf("clients must be positive")
	}
	if c.Duration <= 0 && c.SessionsPerClient <= 0 {
		return fmt.Errorf("either duration or sessions per client must be set")
	}
	if c.Users <= 0 {
		return fmt.Errorf("users must be positive")
	}
	if len(c.Cases) == 0 {
		return fmt.Errorf("at least one case is required")
	}
	if c.ClearRatio < 0 || c.ClearRatio > 1 {
		return fmt.Errorf("clear ratio must be within [0,1]")
	}
	return nil
}

// EndpointStats 单个接口的统计
type EndpointStats struct {
	Path        string        `json:"path"`
	Requests    int64         `json:"requests"`
	Failures    int64         `json:"failures"`
	AvgLatency  float64       `json:"avgLatencyMs"`
	P50Latency  float64       `json:"p50LatencyMs"`
	P95Latency  float64       `json:"p95LatencyMs"`
	P99Latency  float64       `json:"p99LatencyMs"`
	MaxLatency  float64       `json:"maxLatencyMs"`
	StatusCodes map[int]int64 `json:"statusCodes"`
}

// Result 负载测试结果
type Result struct {
	SessionsStarted   int64                     `json:"sessionsStarted"`
	SessionsEnded     int64                     `json:"sessionsEnded"`
	FailedRequests    int64                     `json:"failedRequests"`
	Duration          time.Duration             `json:"duration"`
	SessionsPerSecond float64                   `json:"sessionsPerSecond"`
	Endpoints         map[string]*EndpointStats `json:"endpoints"`
	ErrorsByType      map[string]int64          `json:"errorsByType"`
}

type endpointMetrics struct {
	mu          sync.Mutex
	latencies   []time.Duration
	failures    int64
	statusCodes map[int]int64
}

// Runner 驱动 /events/start 与 /events/end 成对调用
type Runner struct {
	cfg    Config
	client *http.Client

	started atomic.Int64
	ended   atomic.Int64
	failed  atomic.Int64

	mu        sync.Mutex
	endpoints map[string]*endpointMetrics
	errors    map[string]int64
}

// NewRunner 创建负载测试器
func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Clients * 2,
				MaxIdleConnsPerHost: cfg.Clients * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoints: make(map[string]*endpointMetrics),
		errors:    make(map[string]int64),
	}
}

// Run 运行直到Duration结束、每个客户端完成SessionsPerClient或ctx取消
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log.Printf("🔥 开始会话负载测试: %d clients, duration=%v, sessions/client=%d",
		r.cfg.Clients, r.cfg.Duration, r.cfg.SessionsPerClient)

	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Clients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			r.clientWorker(ctx, clientID)
		}(i)
	}
	wg.Wait()

	res := r.result(time.Since(start))
	log.Printf("✅ 负载测试完成: started=%d ended=%d failed=%d (%.1f sessions/s)",
		res.SessionsStarted, res.SessionsEnded, res.FailedRequests, res.SessionsPerSecond)
	return res, nil
}

func (r *Runner) clientWorker(ctx context.Context, clientID int) {
	rng := rand.New(rand.NewPCG(uint64(clientID), uint64(time.Now().UnixNano())))
	for n := 0; r.cfg.SessionsPerClient == 0 || n < r.cfg.SessionsPerClient; n++ {
		if ctx.Err() != nil {
			return
		}
		user := fmt.Sprintf("load-user-%d", rng.IntN(r.cfg.Users))
		caseID := r.cfg.Cases[rng.IntN(len(r.cfg.Cases))]
		judge := rng.Float64() < r.cfg.ClearRatio
		r.playOnce(ctx, user, caseID, judge)
	}
}

type startReply struct {
	SessionID string `json:"sessionId"`
}

func (r *Runner) playOnce(ctx context.Context, user, caseID string, judge bool) {
	var reply startReply
	if !r.post(ctx, "/events/start", map[string]interface{}{"userId": user, "caseId": caseID}, &reply) {
		return
	}
	r.started.Add(1)

	if r.cfg.PlayTime > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.PlayTime):
		}
	}

	// 已开始的会话在测试结束时也要关闭，不让服务端残留
	endCtx := context.WithoutCancel(ctx)
	if r.post(endCtx, "/events/end", map[string]interface{}{"sessionId": reply.SessionID, "judge": judge}, nil) {
		r.ended.Add(1)
	}
}

// post 发送JSON请求并记录指标；成功(2xx)时返回true
func (r *Runner) post(ctx context.Context, path string, body interface{}, out interface{}) bool {
	data, err := json.Marshal(body)
	if err != nil {
		r.recordError(path, "marshal", err)
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(r.cfg.BaseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		r.recordError(path, "request", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		r.recordError(path, "transport", err)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	r.record(path, resp.StatusCode, latency, ok)
	if !ok {
		io.Copy(io.Discard, resp.Body)
		return false
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			r.recordError(path, "decode", err)
			return false
		}
	}
	return true
}

func (r *Runner) metricsFor(path string) *endpointMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.endpoints[path]
	if !ok {
		m = &endpointMetrics{statusCodes: make(map[int]int64)}
		r.endpoints[path] = m
	}
	return m
}

func (r *Runner) record(path string, status int, latency time.Duration, ok bool) {
	m := r.metricsFor(path)
	m.mu.Lock()
	m.latencies = append(m.latencies, latency)
	m.statusCodes[status]++
	if !ok {
		m.failures++
	}
	m.mu.Unlock()
	if !ok {
		r.failed.Add(1)
	}
}

func (r *Runner) recordError(path, kind string, err error) {
	m := r.metricsFor(path)
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
	r.failed.Add(1)

	r.mu.Lock()
	r.errors[kind]++
	r.mu.Unlock()
	log.Printf("⚠️ %s %s 失败: %v", path, kind, err)
}

func millis(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// percentile 输入必须已排序
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (r *Runner) result(elapsed time.Duration) *Result {
	res := &Result{
		SessionsStarted: r.started.Load(),
		SessionsEnded:   r.ended.Load(),
		FailedRequests:  r.failed.Load(),
		Duration:        elapsed,
		Endpoints:       make(map[string]*EndpointStats),
		ErrorsByType:    make(map[string]int64),
	}
	if elapsed > 0 {
		res.SessionsPerSecond = float64(res.SessionsEnded) / elapsed.Seconds()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, n := range r.errors {
		res.ErrorsByType[kind] = n
	}
	for path, m := range r.endpoints {
		m.mu.Lock()
		st := &EndpointStats{
			Path:        path,
			Requests:    int64(len(m.latencies)),
			Failures:    m.failures,
			StatusCodes: make(map[int]int64, len(m.statusCodes)),
		}
		for code, n := range m.statusCodes {
			st.StatusCodes[code] = n
		}
		if len(m.latencies) > 0 {
			lat := append([]time.Duration(nil), m.latencies...)
			sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
			var total time.Duration
			for _, l := range lat {
				total += l
			}
			st.AvgLatency = millis(total) / float64(len(lat))
			st.P50Latency = millis(percentile(lat, 0.50))
			st.P95Latency = millis(percentile(lat, 0.95))
			st.P99Latency = millis(percentile(lat, 0.99))
			st.MaxLatency = millis(lat[len(lat)-1])
		}
		m.mu.Unlock()
		res.Endpoints[path] = st
	}
	return res
}
