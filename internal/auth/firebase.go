package auth

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirebaseCredentials 凭据来源，JSON优先
type FirebaseCredentials struct {
	JSON      string
	File      string
	ProjectID string
}

// ClientOptions 转换为google api选项
func (c FirebaseCredentials) ClientOptions() []option.ClientOption {
	switch {
	case c.JSON != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(c.JSON))}
	case c.File != "":
		return []option.ClientOption{option.WithCredentialsFile(c.File)}
	}
	return nil
}

// NewFirebaseApp 初始化Firebase应用
func NewFirebaseApp(ctx context.Context, creds FirebaseCredentials) (*firebase.App, error) {
	var cfg *firebase.Config
	if creds.ProjectID != "" {
		cfg = &firebase.Config{ProjectID: creds.ProjectID}
	}
	app, err := firebase.NewApp(ctx, cfg, creds.ClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	return app, nil
}

// FirebaseTokens 用Firebase Auth实现TokenVerifier和TokenMinter
type FirebaseTokens struct {
	client *fbauth.Client
}

// NewFirebaseTokens 创建
func NewFirebaseTokens(ctx context.Context, app *firebase.App) (*FirebaseTokens, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase auth: %w", err)
	}
	return &FirebaseTokens{client: client}, nil
}

// VerifyIDToken 校验ID token
func (f *FirebaseTokens) VerifyIDToken(ctx context.Context, token string) (string, error) {
	t, err := f.client.VerifyIDToken(ctx, token)
	if err != nil {
		return "", err
	}
	return t.UID, nil
}

// CustomToken 签发自定义token
func (f *FirebaseTokens) CustomToken(ctx context.Context, uid string) (string, error) {
	return f.client.CustomToken(ctx, uid)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// FirestoreProfiles users 集合
type FirestoreProfiles struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreProfiles 创建
func NewFirestoreProfiles(client *firestore.Client) *FirestoreProfiles {
	return &FirestoreProfiles{client: client, collection: "users"}
}

// Get 读取 users/{uid}
func (p *FirestoreProfiles) Get(ctx context.Context, uid string) (Profile, bool, error) {
	snap, err := p.client.Collection(p.collection).Doc(uid).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !snap.Exists() {
		return nil, false, nil
	}
	return Profile(snap.Data()), true, nil
}

// FirestoreCodes 兑换码集合，文档ID即兑换码
type FirestoreCodes struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreCodes 创建；collection为空时使用 sso_codes
func NewFirestoreCodes(client *firestore.Client, collection string) *FirestoreCodes {
	if collection == "" {
		collection = "sso_codes"
	}
	return &FirestoreCodes{client: client, collection: collection}
}

// Get 读取兑换码
func (c *FirestoreCodes) Get(ctx context.Context, code string) (ExchangeCode, error) {
	if code == "" {
		return ExchangeCode{}, ErrCodeNotFound
	}
	snap, err := c.client.Collection(c.collection).Doc(code).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return ExchangeCode{}, ErrCodeNotFound
		}
		return ExchangeCode{}, err
	}
	if !snap.Exists() {
		return ExchangeCode{}, ErrCodeNotFound
	}
	var ec ExchangeCode
	if err := snap.DataTo(&ec); err != nil {
		return ExchangeCode{}, fmt.Errorf("decode %s/%s: %w", c.collection, code, err)
	}
	return ec, nil
}

// MarkUsed 标记已使用
func (c *FirestoreCodes) MarkUsed(ctx context.Context, code string) error {
	_, err := c.client.Collection(c.collection).Doc(code).Update(ctx, []firestore.Update{
		{Path: "used", Value: true},
	})
	if isNotFound(err) {
		return ErrCodeNotFound
	}
	return err
}

// IsCodeError 兑换码本身的问题（而不是后端故障）
func IsCodeError(err error) bool {
	return errors.Is(err, ErrCodeNotFound) || errors.Is(err, ErrCodeUsed) || errors.Is(err, ErrCodeExpired)
}
