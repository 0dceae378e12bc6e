package mirror

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"

	"CapStatsServer/internal/stats"
)

// DocumentStore 文档库的最小写接口
type DocumentStore interface {
	SetMerge(ctx context.Context, collection, id string, data map[string]interface{}) error
	Add(ctx context.Context, collection string, data map[string]interface{}) error
}

// FirestoreDocuments 用Firestore客户端实现DocumentStore
type FirestoreDocuments struct {
	client *firestore.Client
}

// NewFirestoreDocuments 包装Firestore客户端
func NewFirestoreDocuments(client *firestore.Client) *FirestoreDocuments {
	return &FirestoreDocuments{client: client}
}

// SetMerge 合并写入 collection/id
func (f *FirestoreDocuments) SetMerge(ctx context.Context, collection, id string, data map[string]interface{}) error {
	_, err := f.client.Collection(collection).Doc(id).Set(ctx, data, firestore.MergeAll)
	return err
}

// Add 追加一条自动ID文档
func (f *FirestoreDocuments) Add(ctx context.Context, collection string, data map[string]interface{}) error {
	_, _, err := f.client.Collection(collection).Add(ctx, data)
	return err
}

// FirestoreSink 把统计镜像到文档库
type FirestoreSink struct {
	docs DocumentStore
}

// NewFirestoreSink 创建Firestore镜像
func NewFirestoreSink(docs DocumentStore) *FirestoreSink {
	return &FirestoreSink{docs: docs}
}

// Name 名称
func (s *FirestoreSink) Name() string { return "firestore" }

// Mirror 三次独立写入，遇到第一个错误就停止
func (s *FirestoreSink) Mirror(ctx context.Context, rec stats.MirrorRecord) error {
	cases := make(map[string]interface{}, len(rec.PlayerCases))
	for caseID, p := range rec.PlayerCases {
		cases[caseID] = playerStatFields(p)
	}
	if err := s.docs.SetMerge(ctx, PlayerStatsCollection, rec.UserID, map[string]interface{}{
		"uid":   rec.UserID,
		"cases": cases,
	}); err != nil {
		return fmt.Errorf("write %s/%s: %w", PlayerStatsCollection, rec.UserID, err)
	}

	if err := s.docs.SetMerge(ctx, CaseStatsCollection, rec.CaseID, caseStatFields(rec.CaseStat)); err != nil {
		return fmt.Errorf("write %s/%s: %w", CaseStatsCollection, rec.CaseID, err)
	}

	if err := s.docs.Add(ctx, SessionLogsCollection, sessionLogFields(rec.Log)); err != nil {
		return fmt.Errorf("append %s: %w", SessionLogsCollection, err)
	}
	return nil
}
