package stats

import (
	"context"
	"fmt"
	"time"

	"CapStatsServer/internal/logger"
	"CapStatsServer/internal/metrics"
	"CapStatsServer/internal/session"
)

// Aggregator 把结束的会话并入玩家/ case统计
type Aggregator struct {
	repo          Repository
	mirror        Mirror
	mirrorTimeout time.Duration
	now           func() time.Time
	loc           *time.Location
}

// AggregatorOption 聚合器选项
type AggregatorOption func(*Aggregator)

// WithMirror 设置外部镜像；nil表示不镜像
func WithMirror(m Mirror) AggregatorOption {
	return func(a *Aggregator) {
		a.mirror = m
	}
}

// WithMirrorTimeout 镜像调用超时，0表示不限制
func WithMirrorTimeout(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		a.mirrorTimeout = d
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLocation 设置结束时间字符串的时区
func WithLocation(loc *time.Location) AggregatorOption {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// NewAggregator 创建聚合器
func NewAggregator(repo Repository, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		repo: repo,
		now:  time.Now,
		loc:  session.KST,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Repository 返回底层存储
func (a *Aggregator) Repository() Repository {
	return a.repo
}

// RecordOutcome 记录一次游玩结果
//
// caseOverride非空时覆盖会话开始时的caseid。玩家统计和case统计分两次独立写入；
// 镜像失败只记录日志，不影响返回。
func (a *Aggregator) RecordOutcome(ctx context.Context, sess session.Session, caseOverride string, judge bool) (Outcome, error) {
	caseID := sess.CaseID
	if caseOverride != "" {
		caseID = caseOverride
	}

	end := a.now()
	obs := Observation{
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		CaseID:         caseID,
		ElapsedSeconds: ElapsedSeconds(sess.StartEpoch, end.Unix()),
		Judge:          judge,
		StartLocal:     sess.StartLocal,
		EndLocal:       end.In(a.loc).Format(session.LocalTimeLayout),
	}

	player, err := a.repo.UpdatePlayer(ctx, obs.UserID, caseID, func(prev *PlayerCaseStat) PlayerCaseStat {
		return FoldPlayer(prev, obs)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("players").Inc()
		return Outcome{}, fmt.Errorf("record player stats: %w", err)
	}

	caseStat, err := a.repo.UpdateCase(ctx, caseID, func(prev *CaseStat) CaseStat {
		return FoldCase(prev, obs)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("cases").Inc()
		return Outcome{}, fmt.Errorf("record case stats: %w", err)
	}

	metrics.PlayTimeSeconds.Observe(float64(obs.ElapsedSeconds))

	a.mirrorBestEffort(ctx, MirrorRecord{
		UserID:      obs.UserID,
		CaseID:      caseID,
		PlayerCases: player.Cases,
		CaseStat:    caseStat,
		Log: SessionLog{
			UID:       obs.UserID,
			CaseID:    caseID,
			Judge:     judge,
			Elapsed:   obs.ElapsedSeconds,
			StartTime: obs.StartLocal,
			EndTime:   obs.EndLocal,
		},
	})

	return Outcome{
		SessionID:        sess.ID,
		UserID:           obs.UserID,
		CaseID:           caseID,
		TimeSpentSeconds: obs.ElapsedSeconds,
		PlayerStage:      player.Stat,
		CaseStats:        caseStat,
	}, nil
}

func (a *Aggregator) mirrorBestEffort(ctx context.Context, rec MirrorRecord) {
	if a.mirror == nil {
		return
	}
	if a.mirrorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.mirrorTimeout)
		defer cancel()
	}
	if err := a.mirror.Mirror(ctx, rec); err != nil {
		metrics.MirrorFailures.WithLabelValues(a.mirror.Name()).Inc()
		logger.LogError("mirror", fmt.Sprintf("镜像写入失败 uid=%s caseid=%s: %v", rec.UserID, rec.CaseID, err))
	}
}
