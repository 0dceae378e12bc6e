package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalTimeLayout 本地时间字符串格式（ISO-8601，微秒精度，带时区偏移）
const LocalTimeLayout = "2006-01-02T15:04:05.000000-07:00"

// DefaultCapacity 默认最多同时存在的会话数
const DefaultCapacity = 10000

var (
	// ErrNotFound 会话不存在（已结束、从未创建或进程重启后丢失）
	ErrNotFound = errors.New("session not found")
	// ErrTableFull 会话表已满
	ErrTableFull = errors.New("session table is full")
)

// KST 默认时区
var KST = time.FixedZone("KST", 9*60*60)

// Session 一次游玩会话（开始到结束），只保存在内存中
type Session struct {
	ID         string `json:"sessionId"`
	UserID     string `json:"userId"`
	CaseID     string `json:"caseId"`
	StartEpoch int64  `json:"startEpoch"`
	StartLocal string `json:"startTime"`
}

// Clock 时间来源，便于测试
type Clock func() time.Time

// Table 有界的会话表，由单个服务实例持有
type Table struct {
	mu       sync.Mutex
	entries  map[string]*Session
	capacity int
	now      Clock
	loc      *time.Location
	newID    func() string
}

// TableOption 会话表选项
type TableOption func(*Table)

// WithCapacity 设置容量上限，<=0 表示使用默认值
func WithCapacity(capacity int) TableOption {
	return func(t *Table) {
		if capacity > 0 {
			t.capacity = capacity
		}
	}
}

// WithClock 设置时钟
func WithClock(clock Clock) TableOption {
	return func(t *Table) {
		if clock != nil {
			t.now = clock
		}
	}
}

// WithLocation 设置本地时间字符串使用的时区
func WithLocation(loc *time.Location) TableOption {
	return func(t *Table) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithIDGenerator 设置会话ID生成器
func WithIDGenerator(gen func() string) TableOption {
	return func(t *Table) {
		if gen != nil {
			t.newID = gen
		}
	}
}

// NewTable 创建会话表
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		entries:  make(map[string]*Session),
		capacity: DefaultCapacity,
		now:      time.Now,
		loc:      KST,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Now 当前时间（表的时钟）
func (t *Table) Now() time.Time {
	return t.now()
}

// Location 本地时间字符串所用时区
func (t *Table) Location() *time.Location {
	return t.loc
}

// FormatLocal 按表的时区格式化时间
func (t *Table) FormatLocal(ts time.Time) string {
	return ts.In(t.loc).Format(LocalTimeLayout)
}

// Start 开始一个新会话
func (t *Table) Start(userID, caseID string) (Session, error) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.capacity {
		return Session{}, ErrTableFull
	}

	id := t.newID()
	for _, exists := t.entries[id]; exists; _, exists = t.entries[id] {
		id = t.newID()
	}

	s := &Session{
		ID:         id,
		UserID:     userID,
		CaseID:     caseID,
		StartEpoch: now.Unix(),
		StartLocal: t.FormatLocal(now),
	}
	t.entries[id] = s
	return *s, nil
}

// End 查找并移除会话；同一个ID只能结束一次
func (t *Table) End(id string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	delete(t.entries, id)
	return *s, nil
}

// Get 查看会话但不移除
func (t *Table) Get(id string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len 当前会话数
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Capacity 容量上限
func (t *Table) Capacity() int {
	return t.capacity
}

// List 按开始时间排序返回所有会话快照
func (t *Table) List() []Session {
	t.mu.Lock()
	out := make([]Session, 0, len(t.entries))
	for _, s := range t.entries {
		out = append(out, *s)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartEpoch == out[j].StartEpoch {
			return out[i].ID < out[j].ID
		}
		return out[i].StartEpoch < out[j].StartEpoch
	})
	return out
}

// Sweep 移除开始时间早于 now-olderThan 的会话，返回移除数量
func (t *Table) Sweep(olderThan time.Duration) int {
	if olderThan <= 0 {
		return 0
	}
	cutoff := t.now().Add(-olderThan).Unix()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, s := range t.entries {
		if s.StartEpoch < cutoff {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}
