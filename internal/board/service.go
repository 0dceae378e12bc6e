package board

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"CapStatsServer/internal/jsonstore"
	"CapStatsServer/internal/logger"
)

// 分页默认值
const (
	DefaultPageSize = 10
	MaxPageSize     = 50
)

// Service 社区留言板
type Service struct {
	store    *jsonstore.Store
	images   ImageStore
	validate *validator.Validate
	now      func() time.Time
	loc      *time.Location
	newID    func() string

	limitsMu        sync.RWMutex
	defaultPageSize int
	maxPageSize     int
}

// Option 留言板选项
type Option func(*Service)

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation 时间戳时区
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithIDGenerator 设置ID生成器
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithPageLimits 设置分页大小
func WithPageLimits(defaultSize, maxSize int) Option {
	return func(s *Service) {
		s.setPageLimits(defaultSize, maxSize)
	}
}

// NewService 创建留言板；images为nil时忽略上传的图片
func NewService(store *jsonstore.Store, images ImageStore, opts ...Option) *Service {
	s := &Service{
		store:           store,
		images:          images,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		now:             time.Now,
		loc:             time.FixedZone("KST", 9*60*60),
		newID:           uuid.NewString,
		defaultPageSize: DefaultPageSize,
		maxPageSize:     MaxPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPageLimits 运行时调整分页大小（配置热加载）
func (s *Service) SetPageLimits(defaultSize, maxSize int) {
	s.setPageLimits(defaultSize, maxSize)
}

func (s *Service) setPageLimits(defaultSize, maxSize int) {
	s.limitsMu.Lock()
	defer s.limitsMu.Unlock()
	if defaultSize > 0 {
		s.defaultPageSize = defaultSize
	}
	if maxSize > 0 {
		s.maxPageSize = maxSize
	}
	if s.maxPageSize < s.defaultPageSize {
		s.maxPageSize = s.defaultPageSize
	}
}

// PageLimits 当前分页大小
func (s *Service) PageLimits() (defaultSize, maxSize int) {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return s.defaultPageSize, s.maxPageSize
}

func (s *Service) timestamp() string {
	return s.now().In(s.loc).Format(TimeLayout)
}

func (s *Service) check(v interface{}) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func newDocument() *Document {
	return &Document{Posts: []Post{}}
}

func findPost(doc *Document, id string) int {
	for i := range doc.Posts {
		if doc.Posts[i].PostID == id {
			return i
		}
	}
	return -1
}

func withSortedComments(p Post) Post {
	comments := make([]Comment, len(p.Comments))
	copy(comments, p.Comments)
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt < comments[j].CreatedAt
	})
	p.Comments = comments
	return p
}

func (s *Service) saveImage(ctx context.Context, postID string, img *ImageUpload) (*string, error) {
	if img == nil || img.Filename == "" || s.images == nil {
		return nil, nil
	}
	url, err := s.images.Save(ctx, postID, img.Filename, img.Reader)
	if err != nil {
		return nil, fmt.Errorf("save image: %w", err)
	}
	return &url, nil
}

func (s *Service) dropImage(ctx context.Context, url *string) {
	if url == nil || s.images == nil {
		return
	}
	if err := s.images.Delete(ctx, *url); err != nil {
		logger.LogWarning("board", fmt.Sprintf("删除图片失败 %s: %v", *url, err))
	}
}

// CreatePost 发帖，图片可选
func (s *Service) CreatePost(ctx context.Context, in CreatePostInput, img *ImageUpload) (Post, error) {
	if err := s.check(in); err != nil {
		return Post{}, err
	}

	postID := s.newID()
	imageURL, err := s.saveImage(ctx, postID, img)
	if err != nil {
		return Post{}, err
	}

	now := s.timestamp()
	post := Post{
		PostID:    postID,
		UID:       in.UID,
		Nickname:  in.Nickname,
		Title:     in.Title,
		Body:      in.Body,
		CreatedAt: now,
		UpdatedAt: now,
		ImageURL:  imageURL,
		Comments:  []Comment{},
	}

	doc := newDocument()
	if err := s.store.Update(doc, func() error {
		doc.Posts = append(doc.Posts, post)
		return nil
	}); err != nil {
		s.dropImage(ctx, imageURL)
		return Post{}, err
	}

	logger.LogInfo("board", fmt.Sprintf("📝 新帖子 %s by %s", postID, in.UID))
	return post, nil
}

// ListPosts 按创建时间倒序分页
func (s *Service) ListPosts(_ context.Context, page, pageSize int) (Page, error) {
	doc := newDocument()
	if err := s.store.Load(doc); err != nil {
		return Page{}, err
	}

	defaultSize, maxSize := s.PageLimits()
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultSize
	}
	if pageSize > maxSize {
		pageSize = maxSize
	}

	posts := doc.Posts
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreatedAt > posts[j].CreatedAt
	})

	total := len(posts)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	items := make([]ListItem, 0, end-start)
	for _, p := range posts[start:end] {
		items = append(items, ListItem{
			PostID:       p.PostID,
			Title:        p.Title,
			Nickname:     p.Nickname,
			CreatedAt:    p.CreatedAt,
			CommentCount: len(p.Comments),
			ImageURL:     p.ImageURL,
		})
	}

	return Page{
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
		TotalItems: total,
		Items:      items,
	}, nil
}

// GetPost 帖子详情，评论按时间正序
func (s *Service) GetPost(_ context.Context, id string) (Post, error) {
	doc := newDocument()
	if err := s.store.Load(doc); err != nil {
		return Post{}, err
	}
	i := findPost(doc, id)
	if i < 0 {
		return Post{}, ErrNotFound
	}
	return withSortedComments(doc.Posts[i]), nil
}

// UpdatePost 修改标题/正文/图片
//
// callerUID为空时不做作者检查（未启用认证）。
func (s *Service) UpdatePost(ctx context.Context, id, callerUID string, in UpdatePostInput, img *ImageUpload) (Post, error) {
	if err := s.check(in); err != nil {
		return Post{}, err
	}

	// 先检查存在性和作者，避免给不存在的帖子写图片
	current, err := s.GetPost(ctx, id)
	if err != nil {
		return Post{}, err
	}
	if callerUID != "" && current.UID != callerUID {
		return Post{}, ErrForbidden
	}

	imageURL, err := s.saveImage(ctx, id, img)
	if err != nil {
		return Post{}, err
	}

	var updated Post
	var replaced *string
	doc := newDocument()
	err = s.store.Update(doc, func() error {
		i := findPost(doc, id)
		if i < 0 {
			return ErrNotFound
		}
		p := &doc.Posts[i]
		if callerUID != "" && p.UID != callerUID {
			return ErrForbidden
		}
		if in.Title != nil {
			p.Title = *in.Title
		}
		if in.Body != nil {
			p.Body = *in.Body
		}
		if imageURL != nil {
			if p.ImageURL != nil && *p.ImageURL != *imageURL {
				replaced = p.ImageURL
			}
			p.ImageURL = imageURL
		}
		p.UpdatedAt = s.timestamp()
		updated = *p
		return nil
	})
	if err != nil {
		return Post{}, err
	}

	s.dropImage(ctx, replaced)
	return withSortedComments(updated), nil
}

// DeletePost 删除帖子及其图片
func (s *Service) DeletePost(ctx context.Context, id, callerUID string) error {
	var removed Post
	doc := newDocument()
	err := s.store.Update(doc, func() error {
		i := findPost(doc, id)
		if i < 0 {
			return ErrNotFound
		}
		if callerUID != "" && doc.Posts[i].UID != callerUID {
			return ErrForbidden
		}
		removed = doc.Posts[i]
		doc.Posts = append(doc.Posts[:i], doc.Posts[i+1:]...)
		return nil
	})
	if err != nil {
		return err
	}

	s.dropImage(ctx, removed.ImageURL)
	logger.LogInfo("board", fmt.Sprintf("🗑️ 删除帖子 %s", id))
	return nil
}

// AddComment 添加评论，同时刷新帖子的updatedAt
func (s *Service) AddComment(_ context.Context, postID string, in CommentInput) (Comment, error) {
	if err := s.check(in); err != nil {
		return Comment{}, err
	}

	var comment Comment
	doc := newDocument()
	err := s.store.Update(doc, func() error {
		i := findPost(doc, postID)
		if i < 0 {
			return ErrNotFound
		}
		now := s.timestamp()
		comment = Comment{
			CommentID: s.newID(),
			UID:       in.UID,
			Nickname:  in.Nickname,
			Body:      in.Body,
			CreatedAt: now,
		}
		doc.Posts[i].Comments = append(doc.Posts[i].Comments, comment)
		doc.Posts[i].UpdatedAt = now
		return nil
	})
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

// IsClientError 是否是调用方的错误（404/403/400）
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalid)
}
