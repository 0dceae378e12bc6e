package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"CapStatsServer/internal/logger"
)

const (
	playerKeyPrefix = "player/"
	caseKeyPrefix   = "case/"
	keySep          = "\x00"
)

// BadgerConfig BadgerDB存储配置
type BadgerConfig struct {
	Path           string
	InMemory       bool
	SyncWrites     bool
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultBadgerConfig 默认配置
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger 把badger内部日志转到logger模块，只保留警告和错误
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logger.LogError("badger", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logger.LogWarning("badger", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}

// BadgerRepository 以(uid,caseid)/caseid为键的嵌入式KV存储，值仍是JSON
type BadgerRepository struct {
	db     *badger.DB
	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// OpenBadgerRepository 打开BadgerDB
func OpenBadgerRepository(cfg BadgerConfig) (*BadgerRepository, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent storage")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	r := &BadgerRepository{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		r.stopCh = make(chan struct{})
		r.doneCh = make(chan struct{})
		go r.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return r, nil
}

func (r *BadgerRepository) runGC(interval time.Duration, ratio float64) {
	defer close(r.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logger.LogWarning("badger", fmt.Sprintf("value log GC error: %v", err))
			}
		}
	}
}

func playerKey(uid, caseID string) []byte {
	return []byte(playerKeyPrefix + uid + keySep + caseID)
}

func playerPrefix(uid string) []byte {
	return []byte(playerKeyPrefix + uid + keySep)
}

func caseKey(caseID string) []byte {
	return []byte(caseKeyPrefix + caseID)
}

func getJSON(txn *badger.Txn, key []byte, dst interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, src interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(key []byte, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePlayer 在一个badger事务内更新(uid, caseid)，并返回该玩家的全部case
func (r *BadgerRepository) UpdatePlayer(_ context.Context, uid, caseID string, fold func(prev *PlayerCaseStat) PlayerCaseStat) (PlayerUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out PlayerUpdate
	err := r.db.Update(func(txn *badger.Txn) error {
		var prev PlayerCaseStat
		found, err := getJSON(txn, playerKey(uid, caseID), &prev)
		if err != nil {
			return err
		}
		var prevPtr *PlayerCaseStat
		if found {
			prevPtr = &prev
		}
		next := fold(prevPtr)
		if err := setJSON(txn, playerKey(uid, caseID), next); err != nil {
			return err
		}

		cases := make(map[string]PlayerCaseStat)
		prefix := playerPrefix(uid)
		if err := scanPrefix(txn, prefix, func(key, val []byte) error {
			var p PlayerCaseStat
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			cases[string(bytes.TrimPrefix(key, prefix))] = p
			return nil
		}); err != nil {
			return err
		}
		// 事务内刚写入的键可能不在迭代快照里
		cases[caseID] = next

		out = PlayerUpdate{Stat: next, Cases: cases}
		return nil
	})
	if err != nil {
		return PlayerUpdate{}, fmt.Errorf("update player %s/%s: %w", uid, caseID, err)
	}
	return out, nil
}

// UpdateCase 在一个badger事务内更新case统计
func (r *BadgerRepository) UpdateCase(_ context.Context, caseID string, fold func(prev *CaseStat) CaseStat) (CaseStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out CaseStat
	err := r.db.Update(func(txn *badger.Txn) error {
		var prev CaseStat
		found, err := getJSON(txn, caseKey(caseID), &prev)
		if err != nil {
			return err
		}
		var prevPtr *CaseStat
		if found {
			prevPtr = &prev
		}
		out = fold(prevPtr)
		return setJSON(txn, caseKey(caseID), out)
	})
	if err != nil {
		return CaseStat{}, fmt.Errorf("update case %s: %w", caseID, err)
	}
	return out, nil
}

// PlayerCases 某个玩家的所有case统计
func (r *BadgerRepository) PlayerCases(_ context.Context, uid string) (map[string]PlayerCaseStat, error) {
	cases := make(map[string]PlayerCaseStat)
	prefix := playerPrefix(uid)
	err := r.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, func(key, val []byte) error {
			var p PlayerCaseStat
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			cases[string(bytes.TrimPrefix(key, prefix))] = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, ErrNotFound
	}
	return cases, nil
}

// Players 全部玩家统计
func (r *BadgerRepository) Players(_ context.Context) (map[string]map[string]PlayerCaseStat, error) {
	players := make(map[string]map[string]PlayerCaseStat)
	err := r.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(playerKeyPrefix), func(key, val []byte) error {
			rest := strings.TrimPrefix(string(key), playerKeyPrefix)
			uid, caseID, ok := strings.Cut(rest, keySep)
			if !ok {
				return nil
			}
			var p PlayerCaseStat
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			if players[uid] == nil {
				players[uid] = make(map[string]PlayerCaseStat)
			}
			players[uid][caseID] = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return players, nil
}

// Case 某个case的全局统计
func (r *BadgerRepository) Case(_ context.Context, caseID string) (CaseStat, error) {
	var c CaseStat
	var found bool
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, caseKey(caseID), &c)
		return err
	})
	if err != nil {
		return CaseStat{}, err
	}
	if !found {
		return CaseStat{}, ErrNotFound
	}
	return c, nil
}

// Cases 全部case统计
func (r *BadgerRepository) Cases(_ context.Context) (map[string]CaseStat, error) {
	cases := make(map[string]CaseStat)
	err := r.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(caseKeyPrefix), func(key, val []byte) error {
			var c CaseStat
			if err := json.Unmarshal(val, &c); err != nil {
				return err
			}
			cases[strings.TrimPrefix(string(key), caseKeyPrefix)] = c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return cases, nil
}

// Import 把JSON文档中的统计整体写入badger（覆盖同名键）
func (r *BadgerRepository) Import(players *PlayersDocument, cases *CasesDocument) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wb := r.db.NewWriteBatch()
	defer wb.Cancel()

	n := 0
	if players != nil {
		for uid, userCases := range players.Players {
			for caseID, p := range userCases {
				data, err := json.Marshal(p)
				if err != nil {
					return n, err
				}
				if err := wb.Set(playerKey(uid, caseID), data); err != nil {
					return n, err
				}
				n++
			}
		}
	}
	if cases != nil {
		for caseID, c := range cases.Cases {
			data, err := json.Marshal(c)
			if err != nil {
				return n, err
			}
			if err := wb.Set(caseKey(caseID), data); err != nil {
				return n, err
			}
			n++
		}
	}
	if err := wb.Flush(); err != nil {
		return n, fmt.Errorf("flush import batch: %w", err)
	}
	return n, nil
}

// Close 停止GC并关闭数据库
func (r *BadgerRepository) Close() error {
	if r.stopCh != nil {
		close(r.stopCh)
		<-r.doneCh
		r.stopCh = nil
	}
	return r.db.Close()
}
