package jsonstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"
)

// ErrCorrupt 文件存在但无法解析
var ErrCorrupt = errors.New("jsonstore: document is corrupt")

// Store 单个JSON文档的整文件读写
//
// 每次读-改-写都在同一把锁内完成；写入先落到临时文件再rename。
type Store struct {
	path   string
	perm   os.FileMode
	strict bool
	mu     sync.Mutex
}

// Option Store选项
type Option func(*Store)

// WithStrict 严格模式：损坏的文件返回ErrCorrupt，而不是静默重置
func WithStrict(strict bool) Option {
	return func(s *Store) {
		s.strict = strict
	}
}

// WithPerm 设置文件权限
func WithPerm(perm os.FileMode) Option {
	return func(s *Store) {
		s.perm = perm
	}
}

// New 创建文档存储，确保目录存在
func New(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		perm:   0o644,
		strict: false,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure dir: %w", err)
	}
	return s, nil
}

// Path 返回文档路径
func (s *Store) Path() string {
	return s.path
}

// Load 读取整个文档到dst
//
// 文件不存在、为空或损坏(宽松模式)时dst保持调用方预置的默认值。
func (s *Store) Load(dst interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadUnlocked(dst)
}

// Save 整文件覆盖写入
func (s *Store) Save(src interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveUnlocked(src)
}

// Update 在锁内完成一次读-改-写；fn返回错误时不写回
func (s *Store) Update(dst interface{}, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadUnlocked(dst); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return s.saveUnlocked(dst)
}

func (s *Store) loadUnlocked(dst interface{}) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	// 解码到副本，失败时dst不会留下半截数据
	fresh, err := freshCopy(dst)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, fresh.Interface()); err != nil {
		quarantined, qerr := s.quarantineUnlocked()
		if qerr != nil {
			log.Printf("⚠️ 隔离损坏文件失败 %s: %v", s.path, qerr)
		}
		if s.strict {
			return fmt.Errorf("%w: %s (moved to %s): %v", ErrCorrupt, s.path, quarantined, err)
		}
		log.Printf("⚠️ 文档损坏，已重置为空: %s (备份: %s): %v", s.path, quarantined, err)
		return nil
	}
	reflect.ValueOf(dst).Elem().Set(fresh.Elem())
	return nil
}

// freshCopy 返回dst当前值(调用方预置的默认值)的深拷贝
func freshCopy(dst interface{}) (reflect.Value, error) {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}, fmt.Errorf("jsonstore: destination must be a non-nil pointer, got %T", dst)
	}
	defaults, err := json.Marshal(dst)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("snapshot defaults: %w", err)
	}
	fresh := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal(defaults, fresh.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("snapshot defaults: %w", err)
	}
	return fresh, nil
}

func (s *Store) saveUnlocked(src interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(src); err != nil {
		return fmt.Errorf("encode %s: %w", s.path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// rename成功后这里是空操作
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, s.perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) quarantineUnlocked() (string, error) {
	target := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixNano())
	if err := os.Rename(s.path, target); err != nil {
		return "", err
	}
	return target, nil
}
