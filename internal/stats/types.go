package stats

import (
	"context"
	"errors"
)

// ErrNotFound 查询的统计不存在
var ErrNotFound = errors.New("stats not found")

// PlayerCaseStat 某个玩家在某个case上的统计
type PlayerCaseStat struct {
	UID            string  `json:"uid"`
	CaseID         string  `json:"caseid"`
	StartTime      string  `json:"startTime"`
	EndTime        string  `json:"endTime"`
	Judge          bool    `json:"judge"`
	AvgTimeSeconds float64 `json:"avgTimeSeconds"`
	PlayCount      int64   `json:"playCount"`
	ClearCount     int64   `json:"clearCount"`
}

// CaseStat 某个case的全局统计
type CaseStat struct {
	CaseID           string  `json:"caseid"`
	PlayCount        int64   `json:"playCount"`
	TotalTimeSeconds int64   `json:"totalTimeSeconds"`
	AvgTimeSeconds   float64 `json:"avgTimeSeconds"`
	TrueCount        int64   `json:"trueCount"`
	FalseCount       int64   `json:"falseCount"`
}

// PlayersDocument players.json 的完整结构
type PlayersDocument struct {
	Players map[string]map[string]PlayerCaseStat `json:"players"`
}

// CasesDocument cases.json 的完整结构
type CasesDocument struct {
	Cases map[string]CaseStat `json:"cases"`
}

// NewPlayersDocument 空的玩家文档
func NewPlayersDocument() *PlayersDocument {
	return &PlayersDocument{Players: make(map[string]map[string]PlayerCaseStat)}
}

// NewCasesDocument 空的case文档
func NewCasesDocument() *CasesDocument {
	return &CasesDocument{Cases: make(map[string]CaseStat)}
}

// Observation 一次已结束会话的观测值
type Observation struct {
	SessionID      string
	UserID         string
	CaseID         string
	ElapsedSeconds int64
	Judge          bool
	StartLocal     string
	EndLocal       string
}

// SessionLog 追加写入的单次游玩记录
type SessionLog struct {
	UID       string `json:"uid"`
	CaseID    string `json:"caseid"`
	Judge     bool   `json:"judge"`
	Elapsed   int64  `json:"elapsed"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// Outcome 结束会话后的返回结果
type Outcome struct {
	SessionID        string         `json:"sessionId"`
	UserID           string         `json:"userId"`
	CaseID           string         `json:"caseId"`
	TimeSpentSeconds int64          `json:"timeSpentSeconds"`
	PlayerStage      PlayerCaseStat `json:"playerStage"`
	CaseStats        CaseStat       `json:"caseStats"`
}

// PlayerUpdate 玩家统计更新的结果：新统计 + 该玩家所有case的快照
type PlayerUpdate struct {
	Stat  PlayerCaseStat
	Cases map[string]PlayerCaseStat
}

// Repository 统计数据的持久化
//
// UpdatePlayer 与 UpdateCase 各自是一次独立的读-改-写，两者之间没有事务。
type Repository interface {
	UpdatePlayer(ctx context.Context, uid, caseID string, fold func(prev *PlayerCaseStat) PlayerCaseStat) (PlayerUpdate, error)
	UpdateCase(ctx context.Context, caseID string, fold func(prev *CaseStat) CaseStat) (CaseStat, error)
	PlayerCases(ctx context.Context, uid string) (map[string]PlayerCaseStat, error)
	Players(ctx context.Context) (map[string]map[string]PlayerCaseStat, error)
	Case(ctx context.Context, caseID string) (CaseStat, error)
	Cases(ctx context.Context) (map[string]CaseStat, error)
	Close() error
}

// MirrorRecord 推送到外部文档库的一组事实
type MirrorRecord struct {
	UserID      string
	CaseID      string
	PlayerCases map[string]PlayerCaseStat
	CaseStat    CaseStat
	Log         SessionLog
}

// Mirror 外部镜像（尽力而为）
type Mirror interface {
	Name() string
	Mirror(ctx context.Context, rec MirrorRecord) error
}
