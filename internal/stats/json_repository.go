package stats

import (
	"context"
	"fmt"

	"CapStatsServer/internal/jsonstore"
)

// JSONRepository 基于两个JSON文件（players.json / cases.json）的统计存储
type JSONRepository struct {
	players *jsonstore.Store
	cases   *jsonstore.Store
}

// NewJSONRepository 创建JSON文件存储
func NewJSONRepository(playersPath, casesPath string, opts ...jsonstore.Option) (*JSONRepository, error) {
	players, err := jsonstore.New(playersPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("players store: %w", err)
	}
	cases, err := jsonstore.New(casesPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("cases store: %w", err)
	}
	return &JSONRepository{players: players, cases: cases}, nil
}

// UpdatePlayer 读取整个players.json，更新一个(uid, caseid)，整体写回
func (r *JSONRepository) UpdatePlayer(_ context.Context, uid, caseID string, fold func(prev *PlayerCaseStat) PlayerCaseStat) (PlayerUpdate, error) {
	doc := NewPlayersDocument()
	var out PlayerUpdate

	err := r.players.Update(doc, func() error {
		if doc.Players == nil {
			doc.Players = make(map[string]map[string]PlayerCaseStat)
		}
		userCases := doc.Players[uid]
		if userCases == nil {
			userCases = make(map[string]PlayerCaseStat)
		}

		var prev *PlayerCaseStat
		if p, ok := userCases[caseID]; ok {
			prev = &p
		}
		next := fold(prev)
		userCases[caseID] = next
		doc.Players[uid] = userCases

		out.Stat = next
		out.Cases = copyPlayerCases(userCases)
		return nil
	})
	if err != nil {
		return PlayerUpdate{}, fmt.Errorf("update players: %w", err)
	}
	return out, nil
}

// UpdateCase 读取整个cases.json，更新一个caseid，整体写回
func (r *JSONRepository) UpdateCase(_ context.Context, caseID string, fold func(prev *CaseStat) CaseStat) (CaseStat, error) {
	doc := NewCasesDocument()
	var out CaseStat

	err := r.cases.Update(doc, func() error {
		if doc.Cases == nil {
			doc.Cases = make(map[string]CaseStat)
		}
		var prev *CaseStat
		if c, ok := doc.Cases[caseID]; ok {
			prev = &c
		}
		out = fold(prev)
		doc.Cases[caseID] = out
		return nil
	})
	if err != nil {
		return CaseStat{}, fmt.Errorf("update cases: %w", err)
	}
	return out, nil
}

// PlayerCases 某个玩家的所有case统计
func (r *JSONRepository) PlayerCases(_ context.Context, uid string) (map[string]PlayerCaseStat, error) {
	doc := NewPlayersDocument()
	if err := r.players.Load(doc); err != nil {
		return nil, err
	}
	userCases, ok := doc.Players[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPlayerCases(userCases), nil
}

// Players 全部玩家统计
func (r *JSONRepository) Players(_ context.Context) (map[string]map[string]PlayerCaseStat, error) {
	doc := NewPlayersDocument()
	if err := r.players.Load(doc); err != nil {
		return nil, err
	}
	if doc.Players == nil {
		doc.Players = make(map[string]map[string]PlayerCaseStat)
	}
	return doc.Players, nil
}

// Case 某个case的全局统计
func (r *JSONRepository) Case(_ context.Context, caseID string) (CaseStat, error) {
	doc := NewCasesDocument()
	if err := r.cases.Load(doc); err != nil {
		return CaseStat{}, err
	}
	c, ok := doc.Cases[caseID]
	if !ok {
		return CaseStat{}, ErrNotFound
	}
	return c, nil
}

// Cases 全部case统计
func (r *JSONRepository) Cases(_ context.Context) (map[string]CaseStat, error) {
	doc := NewCasesDocument()
	if err := r.cases.Load(doc); err != nil {
		return nil, err
	}
	if doc.Cases == nil {
		doc.Cases = make(map[string]CaseStat)
	}
	return doc.Cases, nil
}

// Close 文件存储无需关闭
func (r *JSONRepository) Close() error {
	return nil
}

func copyPlayerCases(in map[string]PlayerCaseStat) map[string]PlayerCaseStat {
	out := make(map[string]PlayerCaseStat, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
