package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config 数据库配置
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	// Retries 启动时连接失败的重试次数
	Retries int `mapstructure:"retries"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Host:    "localhost",
		Port:    5432,
		User:    "postgres",
		DBName:  "capstats",
		SSLMode: "disable",
		Retries: 5,
	}
}

// DSN 连接串
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// ConnectPgx 连接PostgreSQL数据库，启动阶段按指数退避重试
func ConnectPgx(ctx context.Context, config *Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	var pool *pgxpool.Pool
	attempt := 0
	operation := func() error {
		attempt++
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			log.Printf("⚠️ PostgreSQL连接失败 (第%d次): %v", attempt, err)
			return fmt.Errorf("failed to ping database: %w", err)
		}
		pool = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	retries := config.Retries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	log.Printf("✅ PostgreSQL连接池创建成功 (%s:%d/%s)", config.Host, config.Port, config.DBName)
	return pool, nil
}

// ClosePgx 关闭连接池
func ClosePgx(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
		log.Println("✅ PostgreSQL连接池已关闭")
	}
}

// PoolStats 连接池统计，供/health使用
func PoolStats(pool *pgxpool.Pool) map[string]interface{} {
	if pool == nil {
		return nil
	}
	s := pool.Stat()
	return map[string]interface{}{
		"total_conns":    s.TotalConns(),
		"idle_conns":     s.IdleConns(),
		"acquired_conns": s.AcquiredConns(),
		"max_conns":      s.MaxConns(),
	}
}
