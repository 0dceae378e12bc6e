package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"CapStatsServer/internal/database"
)

// ServerSection HTTP服务配置
type ServerSection struct {
	Addr         string        `yaml:"addr" mapstructure:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// StorageSection 统计存储配置
type StorageSection struct {
	Driver        string `yaml:"driver" mapstructure:"driver"`
	DataDir       string `yaml:"data_dir" mapstructure:"data_dir"`
	PlayersFile   string `yaml:"players_file" mapstructure:"players_file"`
	CasesFile     string `yaml:"cases_file" mapstructure:"cases_file"`
	CommunityFile string `yaml:"community_file" mapstructure:"community_file"`
	BadgerDir     string `yaml:"badger_dir" mapstructure:"badger_dir"`
	// Strict 为true时损坏的JSON文件返回错误，否则隔离后从空文档开始
	Strict bool `yaml:"strict" mapstructure:"strict"`
}

// SessionSection 会话表配置
type SessionSection struct {
	Capacity       int           `yaml:"capacity" mapstructure:"capacity"`
	TTL            time.Duration `yaml:"ttl" mapstructure:"ttl"`
	SweepSpec      string        `yaml:"sweep_spec" mapstructure:"sweep_spec"`
	UTCOffsetHours int           `yaml:"utc_offset_hours" mapstructure:"utc_offset_hours"`
	ZoneName       string        `yaml:"zone_name" mapstructure:"zone_name"`
}

// BoardSection 社区留言板配置
type BoardSection struct {
	DefaultPageSize int    `yaml:"default_page_size" mapstructure:"default_page_size"`
	MaxPageSize     int    `yaml:"max_page_size" mapstructure:"max_page_size"`
	UploadDir       string `yaml:"upload_dir" mapstructure:"upload_dir"`
	UploadURLPrefix string `yaml:"upload_url_prefix" mapstructure:"upload_url_prefix"`
	ImageBackend    string `yaml:"image_backend" mapstructure:"image_backend"`
	GCSBucket       string `yaml:"gcs_bucket" mapstructure:"gcs_bucket"`
	GCSPublicBase   string `yaml:"gcs_public_base" mapstructure:"gcs_public_base"`
}

// MirrorSection 外部镜像配置
type MirrorSection struct {
	Firestore bool          `yaml:"firestore" mapstructure:"firestore"`
	Postgres  bool          `yaml:"postgres" mapstructure:"postgres"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// FirebaseSection Firebase凭据
type FirebaseSection struct {
	CredentialsJSON string `yaml:"credentials_json" mapstructure:"credentials_json"`
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file"`
	ProjectID       string `yaml:"project_id" mapstructure:"project_id"`
}

// Configured 是否提供了任意一种凭据
func (f FirebaseSection) Configured() bool {
	return f.CredentialsJSON != "" || f.CredentialsFile != ""
}

// AuthSection 认证配置
type AuthSection struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	CodeCollection string `yaml:"code_collection" mapstructure:"code_collection"`
}

// ServerConfig 完整配置
type ServerConfig struct {
	Server   ServerSection   `yaml:"server" mapstructure:"server"`
	Storage  StorageSection  `yaml:"storage" mapstructure:"storage"`
	Session  SessionSection  `yaml:"session" mapstructure:"session"`
	Board    BoardSection    `yaml:"board" mapstructure:"board"`
	Mirror   MirrorSection   `yaml:"mirror" mapstructure:"mirror"`
	Firebase FirebaseSection `yaml:"firebase" mapstructure:"firebase"`
	Auth     AuthSection     `yaml:"auth" mapstructure:"auth"`
	Database database.Config `yaml:"database" mapstructure:"database"`
}

// EnvPrefix 环境变量前缀，例如 CAPSTATS_SERVER_ADDR
const EnvPrefix = "CAPSTATS"

// LoadDotEnv 加载.env文件（不存在时忽略），已存在的环境变量不会被覆盖
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("加载 %s 失败: %w", p, err)
		}
	}
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("capstats")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("firebase.credentials_json", EnvPrefix+"_FIREBASE_CREDENTIALS_JSON", "FIREBASE_CREDENTIALS")

	setDefaults(v)
	return v
}

// LoadConfig 加载配置：默认值 < 配置文件 < 环境变量
//
// 配置文件不存在不算错误；显式指定的路径不存在则报错。
func LoadConfig(configPath string) (*ServerConfig, *viper.Viper, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("storage.driver", "json")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.players_file", "players.json")
	v.SetDefault("storage.cases_file", "cases.json")
	v.SetDefault("storage.community_file", "community.json")
	v.SetDefault("storage.badger_dir", "badger")
	v.SetDefault("storage.strict", false)

	v.SetDefault("session.capacity", 10000)
	v.SetDefault("session.ttl", "0s")
	v.SetDefault("session.sweep_spec", "@every 1m")
	v.SetDefault("session.utc_offset_hours", 9)
	v.SetDefault("session.zone_name", "KST")

	v.SetDefault("board.default_page_size", 10)
	v.SetDefault("board.max_page_size", 50)
	v.SetDefault("board.upload_dir", "./uploads")
	v.SetDefault("board.upload_url_prefix", "/uploads")
	v.SetDefault("board.image_backend", "local")
	v.SetDefault("board.gcs_bucket", "")
	v.SetDefault("board.gcs_public_base", "https://storage.googleapis.com")

	v.SetDefault("mirror.firestore", false)
	v.SetDefault("mirror.postgres", false)
	v.SetDefault("mirror.timeout", "0s")

	v.SetDefault("firebase.credentials_json", "")
	v.SetDefault("firebase.credentials_file", "")
	v.SetDefault("firebase.project_id", "")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.code_collection", "sso_codes")

	db := database.DefaultConfig()
	v.SetDefault("database.host", db.Host)
	v.SetDefault("database.port", db.Port)
	v.SetDefault("database.user", db.User)
	v.SetDefault("database.password", db.Password)
	v.SetDefault("database.dbname", db.DBName)
	v.SetDefault("database.sslmode", db.SSLMode)
	v.SetDefault("database.retries", db.Retries)
}

// Validate 验证配置
func (c *ServerConfig) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr不能为空")
	}

	switch c.Storage.Driver {
	case "json", "badger":
	default:
		return fmt.Errorf("未知的storage.driver: %q", c.Storage.Driver)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir不能为空")
	}

	if c.Session.Capacity <= 0 {
		return fmt.Errorf("session.capacity必须大于0")
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("session.ttl不能为负数")
	}
	if c.Session.UTCOffsetHours < -12 || c.Session.UTCOffsetHours > 14 {
		return fmt.Errorf("session.utc_offset_hours超出范围: %d", c.Session.UTCOffsetHours)
	}

	if c.Board.DefaultPageSize <= 0 {
		return fmt.Errorf("board.default_page_size必须大于0")
	}
	if c.Board.MaxPageSize < c.Board.DefaultPageSize {
		return fmt.Errorf("board.max_page_size不能小于default_page_size")
	}
	switch c.Board.ImageBackend {
	case "local":
	case "gcs":
		if c.Board.GCSBucket == "" {
			return fmt.Errorf("image_backend=gcs 需要 board.gcs_bucket")
		}
	default:
		return fmt.Errorf("未知的board.image_backend: %q", c.Board.ImageBackend)
	}

	if c.Mirror.Timeout < 0 {
		return fmt.Errorf("mirror.timeout不能为负数")
	}
	if (c.Mirror.Firestore || c.Auth.Enabled) && !c.Firebase.Configured() {
		return fmt.Errorf("启用Firestore镜像或认证需要Firebase凭据")
	}
	return nil
}

// Location 会话时间字符串使用的时区
func (c *ServerConfig) Location() *time.Location {
	return time.FixedZone(c.Session.ZoneName, c.Session.UTCOffsetHours*60*60)
}

// PlayersPath players.json 完整路径
func (c *ServerConfig) PlayersPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.PlayersFile)
}

// CasesPath cases.json 完整路径
func (c *ServerConfig) CasesPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.CasesFile)
}

// CommunityPath community.json 完整路径
func (c *ServerConfig) CommunityPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.CommunityFile)
}

// BadgerPath badger目录
func (c *ServerConfig) BadgerPath() string {
	if filepath.IsAbs(c.Storage.BadgerDir) {
		return c.Storage.BadgerDir
	}
	return filepath.Join(c.Storage.DataDir, c.Storage.BadgerDir)
}
