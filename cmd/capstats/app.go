package main

import (
	"context"
	"fmt"
	"log"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"CapStatsServer/internal/auth"
	"CapStatsServer/internal/board"
	"CapStatsServer/internal/config"
	"CapStatsServer/internal/database"
	"CapStatsServer/internal/jsonstore"
	"CapStatsServer/internal/metrics"
	"CapStatsServer/internal/mirror"
	"CapStatsServer/internal/session"
	"CapStatsServer/internal/stats"
)

// app 一次进程运行所需的全部组件
type app struct {
	cfg     *config.ServerConfig
	repo    stats.Repository
	table   *session.Table
	sweeper *session.Sweeper
	tracker *stats.Tracker
	board   *board.Service
	gateway *auth.Gateway
	mirror  stats.Mirror
	uploads *board.LocalImageStore

	firebaseApp *firebase.App
	firestore   *firestore.Client
	pgPool      *pgxpool.Pool

	closers []func() error
}

// openRepository 按storage.driver打开统计存储
func openRepository(cfg *config.ServerConfig) (stats.Repository, error) {
	switch cfg.Storage.Driver {
	case "badger":
		repo, err := stats.OpenBadgerRepository(stats.DefaultBadgerConfig(cfg.BadgerPath()))
		if err != nil {
			return nil, fmt.Errorf("打开badger存储失败: %w", err)
		}
		return repo, nil
	default:
		repo, err := stats.NewJSONRepository(cfg.PlayersPath(), cfg.CasesPath(), jsonstore.WithStrict(cfg.Storage.Strict))
		if err != nil {
			return nil, fmt.Errorf("打开JSON存储失败: %w", err)
		}
		return repo, nil
	}
}

func firebaseCredentials(cfg *config.ServerConfig) auth.FirebaseCredentials {
	return auth.FirebaseCredentials{
		JSON:      cfg.Firebase.CredentialsJSON,
		File:      cfg.Firebase.CredentialsFile,
		ProjectID: cfg.Firebase.ProjectID,
	}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// ensureFirestore 按需初始化Firebase应用和Firestore客户端
func (a *app) ensureFirestore(ctx context.Context) (*firestore.Client, error) {
	if a.firestore != nil {
		return a.firestore, nil
	}
	if a.firebaseApp == nil {
		fa, err := auth.NewFirebaseApp(ctx, firebaseCredentials(a.cfg))
		if err != nil {
			return nil, err
		}
		a.firebaseApp = fa
	}
	client, err := a.firebaseApp.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firestore: %w", err)
	}
	a.firestore = client
	a.onClose(client.Close)
	return client, nil
}

func (a *app) buildMirror(ctx context.Context) error {
	var sinks []stats.Mirror

	if a.cfg.Mirror.Firestore {
		client, err := a.ensureFirestore(ctx)
		if err != nil {
			return err
		}
		sinks = append(sinks, mirror.NewFirestoreSink(mirror.NewFirestoreDocuments(client)))
		log.Printf("🔥 Firestore镜像已启用")
	}

	if a.cfg.Mirror.Postgres {
		pool, err := database.ConnectPgx(ctx, &a.cfg.Database)
		if err != nil {
			return err
		}
		a.pgPool = pool
		a.onClose(func() error {
			database.ClosePgx(pool)
			return nil
		})
		sink := mirror.NewPostgresSink(pool)
		if err := sink.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("创建镜像表失败: %w", err)
		}
		sinks = append(sinks, sink)
		log.Printf("🐘 PostgreSQL镜像已启用")
	}

	a.mirror = mirror.NewMulti(sinks...)
	return nil
}

func (a *app) buildBoard(ctx context.Context) error {
	var images board.ImageStore
	switch a.cfg.Board.ImageBackend {
	case "gcs":
		gcs, err := board.NewGCSImageStore(ctx, a.cfg.Board.GCSBucket, a.cfg.Board.GCSPublicBase,
			firebaseCredentials(a.cfg).ClientOptions()...)
		if err != nil {
			return err
		}
		a.onClose(gcs.Close)
		images = gcs
	default:
		local, err := board.NewLocalImageStore(a.cfg.Board.UploadDir, a.cfg.Board.UploadURLPrefix)
		if err != nil {
			return err
		}
		a.uploads = local
		images = local
	}

	store, err := jsonstore.New(a.cfg.CommunityPath(), jsonstore.WithStrict(a.cfg.Storage.Strict))
	if err != nil {
		return err
	}
	a.board = board.NewService(store, images,
		board.WithLocation(a.cfg.Location()),
		board.WithPageLimits(a.cfg.Board.DefaultPageSize, a.cfg.Board.MaxPageSize),
	)
	return nil
}

func (a *app) buildAuth(ctx context.Context) error {
	if !a.cfg.Auth.Enabled {
		log.Printf("⚠️ 认证未启用，社区接口信任请求中的uid")
		return nil
	}
	client, err := a.ensureFirestore(ctx)
	if err != nil {
		return err
	}
	tokens, err := auth.NewFirebaseTokens(ctx, a.firebaseApp)
	if err != nil {
		return err
	}
	a.gateway = auth.NewGateway(tokens,
		auth.WithProfiles(auth.NewFirestoreProfiles(client)),
		auth.WithCodes(auth.NewFirestoreCodes(client, a.cfg.Auth.CodeCollection), tokens),
	)
	log.Printf("🔐 Firebase认证已启用")
	return nil
}

// newApp 按配置组装所有组件；失败时关闭已打开的资源
func newApp(ctx context.Context, cfg *config.ServerConfig) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	repo, err := openRepository(cfg)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	a.onClose(repo.Close)

	if err := a.buildMirror(ctx); err != nil {
		return nil, err
	}

	a.table = session.NewTable(
		session.WithCapacity(cfg.Session.Capacity),
		session.WithLocation(cfg.Location()),
	)
	a.sweeper = session.NewSweeper(a.table, cfg.Session.SweepSpec, cfg.Session.TTL)
	a.sweeper.OnSweep(func(removed int) {
		metrics.SessionsSwept.Add(float64(removed))
		metrics.ActiveSessions.Set(float64(a.table.Len()))
	})

	agg := stats.NewAggregator(repo,
		stats.WithMirror(a.mirror),
		stats.WithMirrorTimeout(cfg.Mirror.Timeout),
		stats.WithLocation(cfg.Location()),
	)
	a.tracker = stats.NewTracker(a.table, agg)

	if err := a.buildBoard(ctx); err != nil {
		return nil, err
	}
	if err := a.buildAuth(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// applyConfig 热加载时只调整可在运行期修改的参数
func (a *app) applyConfig(cfg *config.ServerConfig) {
	a.board.SetPageLimits(cfg.Board.DefaultPageSize, cfg.Board.MaxPageSize)
	a.sweeper.SetTTL(cfg.Session.TTL)
	log.Printf("🔄 已应用新配置: page_size=%d/%d session_ttl=%s",
		cfg.Board.DefaultPageSize, cfg.Board.MaxPageSize, cfg.Session.TTL)
}

// uploadRoute 本地图片的静态目录和URL前缀；GCS后端不需要
func (a *app) uploadRoute() (dir, prefix string) {
	if a.uploads == nil {
		return "", ""
	}
	return a.uploads.Dir(), a.uploads.URLPrefix()
}

// health 附加到/health的信息
func (a *app) health() map[string]interface{} {
	info := map[string]interface{}{
		"storage_driver": a.cfg.Storage.Driver,
		"mirror":         a.mirror.Name(),
		"auth_enabled":   a.gateway != nil,
		"session_ttl":    a.sweeper.TTL().String(),
	}
	if a.pgPool != nil {
		info["postgres"] = database.PoolStats(a.pgPool)
	}
	return info
}

// Close 按打开的相反顺序关闭资源
func (a *app) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
