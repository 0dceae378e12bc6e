package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"CapStatsServer/internal/logger"
)

var (
	// ErrUnauthorized 缺少或无效的Bearer token
	ErrUnauthorized = errors.New("unauthorized")
	// ErrCodeNotFound 兑换码不存在
	ErrCodeNotFound = errors.New("exchange code not found")
	// ErrCodeUsed 兑换码已使用
	ErrCodeUsed = errors.New("exchange code already used")
	// ErrCodeExpired 兑换码已过期
	ErrCodeExpired = errors.New("exchange code expired")
	// ErrDisabled 认证未启用
	ErrDisabled = errors.New("authentication is disabled")
)

// Profile users/{uid} 文档内容
type Profile map[string]interface{}

// Nickname 显示名，依次尝试 nickname / displayName / name
func (p Profile) Nickname() string {
	for _, key := range []string{"nickname", "displayName", "name"} {
		if s, ok := p[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ExchangeCode 一次性兑换码
type ExchangeCode struct {
	UID       string    `firestore:"uid"`
	Used      bool      `firestore:"used"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// TokenVerifier 校验ID token，返回uid
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, token string) (string, error)
}

// TokenMinter 为uid签发自定义token
type TokenMinter interface {
	CustomToken(ctx context.Context, uid string) (string, error)
}

// ProfileStore 用户资料
type ProfileStore interface {
	// Get 不存在时返回 (nil, false, nil)
	Get(ctx context.Context, uid string) (Profile, bool, error)
}

// CodeStore 兑换码存储
type CodeStore interface {
	// Get 不存在时返回 ErrCodeNotFound
	Get(ctx context.Context, code string) (ExchangeCode, error)
	MarkUsed(ctx context.Context, code string) error
}

// Gateway 认证网关
type Gateway struct {
	verifier TokenVerifier
	minter   TokenMinter
	profiles ProfileStore
	codes    CodeStore
	now      func() time.Time
}

// GatewayOption 网关选项
type GatewayOption func(*Gateway)

// WithProfiles 设置资料存储
func WithProfiles(p ProfileStore) GatewayOption {
	return func(g *Gateway) { g.profiles = p }
}

// WithCodes 设置兑换码存储和token签发
func WithCodes(c CodeStore, m TokenMinter) GatewayOption {
	return func(g *Gateway) {
		g.codes = c
		g.minter = m
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGateway 创建认证网关
func NewGateway(verifier TokenVerifier, opts ...GatewayOption) *Gateway {
	g := &Gateway{verifier: verifier, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BearerToken 从Authorization头取出token
func BearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// VerifyBearer 校验 "Bearer <token>" 并返回uid
func (g *Gateway) VerifyBearer(ctx context.Context, header string) (string, error) {
	token, ok := BearerToken(header)
	if !ok {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	uid, err := g.verifier.VerifyIDToken(ctx, token)
	if err != nil || uid == "" {
		logger.LogWarning("auth", fmt.Sprintf("token校验失败: %v", err))
		return "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return uid, nil
}

// LookupProfile 读取用户资料；未配置资料存储时视为不存在
func (g *Gateway) LookupProfile(ctx context.Context, uid string) (Profile, bool, error) {
	if g.profiles == nil {
		return nil, false, nil
	}
	return g.profiles.Get(ctx, uid)
}

// ConsumeCode 用一次性兑换码换取自定义token
//
// 检查"已使用"和标记"已使用"是两次独立操作，同一个码被并发兑换时可能签发两次。
func (g *Gateway) ConsumeCode(ctx context.Context, code string) (string, error) {
	if g.codes == nil || g.minter == nil {
		return "", ErrDisabled
	}

	ec, err := g.codes.Get(ctx, code)
	if err != nil {
		return "", err
	}
	if ec.Used {
		return "", ErrCodeUsed
	}
	if !ec.ExpiresAt.IsZero() && g.now().After(ec.ExpiresAt) {
		return "", ErrCodeExpired
	}

	if err := g.codes.MarkUsed(ctx, code); err != nil {
		return "", fmt.Errorf("mark code used: %w", err)
	}

	token, err := g.minter.CustomToken(ctx, ec.UID)
	if err != nil {
		return "", fmt.Errorf("mint custom token: %w", err)
	}
	logger.LogInfo("auth", fmt.Sprintf("🔑 兑换码已使用 uid=%s", ec.UID))
	return token, nil
}
