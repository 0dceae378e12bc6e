package mirror

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"CapStatsServer/internal/stats"
)

// Execer pgxpool.Pool 和 pgx.Tx 都满足
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS player_stats (
	uid        TEXT PRIMARY KEY,
	cases      JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS case_stats (
	caseid     TEXT PRIMARY KEY,
	stats      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS session_logs (
	id         BIGSERIAL PRIMARY KEY,
	uid        TEXT NOT NULL,
	caseid     TEXT NOT NULL,
	judge      BOOLEAN NOT NULL,
	elapsed    BIGINT NOT NULL,
	start_time TEXT NOT NULL,
	end_time   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const upsertPlayerSQL = `
INSERT INTO player_stats (uid, cases) VALUES ($1, $2::jsonb)
ON CONFLICT (uid) DO UPDATE
SET cases = player_stats.cases || EXCLUDED.cases, updated_at = now()`

const upsertCaseSQL = `
INSERT INTO case_stats (caseid, stats) VALUES ($1, $2::jsonb)
ON CONFLICT (caseid) DO UPDATE
SET stats = EXCLUDED.stats, updated_at = now()`

const insertLogSQL = `
INSERT INTO session_logs (uid, caseid, judge, elapsed, start_time, end_time)
VALUES ($1, $2, $3, $4, $5, $6)`

// PostgresSink 把统计镜像到PostgreSQL
type PostgresSink struct {
	db Execer
}

// NewPostgresSink 创建PostgreSQL镜像
func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

// EnsureSchema 建表（幂等）
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure mirror schema: %w", err)
	}
	return nil
}

// Name 名称
func (s *PostgresSink) Name() string { return "postgres" }

// Mirror 玩家的cases按键合并，case统计整体覆盖，日志追加
func (s *PostgresSink) Mirror(ctx context.Context, rec stats.MirrorRecord) error {
	cases, err := json.Marshal(rec.PlayerCases)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, upsertPlayerSQL, rec.UserID, string(cases)); err != nil {
		return fmt.Errorf("upsert player_stats %s: %w", rec.UserID, err)
	}

	caseStat, err := json.Marshal(rec.CaseStat)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, upsertCaseSQL, rec.CaseID, string(caseStat)); err != nil {
		return fmt.Errorf("upsert case_stats %s: %w", rec.CaseID, err)
	}

	l := rec.Log
	if _, err := s.db.Exec(ctx, insertLogSQL, l.UID, l.CaseID, l.Judge, l.Elapsed, l.StartTime, l.EndTime); err != nil {
		return fmt.Errorf("insert session_logs: %w", err)
	}
	return nil
}
