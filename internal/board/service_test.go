package board

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CapStatsServer/internal/jsonstore"
)

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now 每次调用前进一秒，保证时间戳严格递增
func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type testBoard struct {
	svc       *Service
	uploadDir string
	dataPath  string
}

func newTestBoard(t *testing.T, opts ...Option) *testBoard {
	t.Helper()
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "community.json")
	store, err := jsonstore.New(dataPath)
	require.NoError(t, err)

	uploadDir := filepath.Join(dir, "uploads")
	images, err := NewLocalImageStore(uploadDir, "/uploads")
	require.NoError(t, err)

	clock := &tickClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &testBoard{
		svc:       NewService(store, images, opts...),
		uploadDir: uploadDir,
		dataPath:  dataPath,
	}
}

func strPtr(s string) *string { return &s }

func TestCreateAndGetPost(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	created, err := b.svc.CreatePost(ctx, CreatePostInput{UID: "u1", Nickname: "탐정", Title: "첫 글", Body: "내용"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, created.PostID)
	assert.Nil(t, created.ImageURL)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)
	assert.True(t, strings.HasSuffix(created.CreatedAt, "+09:00"))

	got, err := b.svc.GetPost(ctx, created.PostID)
	require.NoError(t, err)
	assert.Equal(t, created.Title, got.Title)
	assert.Equal(t, created.Body, got.Body)
	assert.Equal(t, created.UID, got.UID)
	assert.Equal(t, created.Nickname, got.Nickname)

	_, err = b.svc.GetPost(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	raw, err := os.ReadFile(b.dataPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "탐정", "non-ASCII text is stored unescaped")
	assert.Contains(t, string(raw), `"imageUrl": null`)
}

func TestCreatePost_Validation(t *testing.T) {
	b := newTestBoard(t)
	_, err := b.svc.CreatePost(context.Background(), CreatePostInput{UID: "u1", Nickname: "n"}, nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCreatePost_WithImage(t *testing.T) {
	b := newTestBoard(t, WithIDGenerator(func() string { return "post-1" }))
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xAB}, ChunkSize+123)
	p, err := b.svc.CreatePost(ctx, CreatePostInput{UID: "u1", Nickname: "n", Title: "t"},
		&ImageUpload{Filename: "Photo.PNG", Reader: bytes.NewReader(data)})
	require.NoError(t, err)
	require.NotNil(t, p.ImageURL)
	assert.Equal(t, "/uploads/post-1.png", *p.ImageURL)

	stored, err := os.ReadFile(filepath.Join(b.uploadDir, "post-1.png"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	require.NoError(t, b.svc.DeletePost(ctx, "post-1", "u1"))
	_, err = os.Stat(filepath.Join(b.uploadDir, "post-1.png"))
	assert.True(t, os.IsNotExist(err), "image is removed with the post")
}

func TestListPosts_PaginationAndOrder(t *testing.T) {
	b := newTestBoard(t, WithPageLimits(2, 3))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		p, err := b.svc.CreatePost(ctx, CreatePostInput{UID: "u1", Nickname: "n", Title: fmt.Sprintf("t%d", i)}, nil)
		require.NoError(t, err)
		ids = append(ids, p.PostID)
	}
	_, err := b.svc.AddComment(ctx, ids[4], CommentInput{UID: "u2", Nickname: "m", Body: "c1"})
	require.NoError(t, err)
	_, err = b.svc.AddComment(ctx, ids[4], CommentInput{UID: "u3", Nickname: "k", Body: "c2"})
	require.NoError(t, err)

	page, err := b.svc.ListPosts(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 2, page.PageSize)
	assert.Equal(t, 5, page.TotalItems)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[4], page.Items[0].PostID, "newest first")
	assert.Equal(t, 2, page.Items[0].CommentCount)
	assert.Equal(t, ids[3], page.Items[1].PostID)

	page, err = b.svc.ListPosts(ctx, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, page.PageSize, "page size clamps to the maximum")
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[1], page.Items[0].PostID)

	page, err = b.svc.ListPosts(ctx, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestListPosts_Empty(t *testing.T) {
	b := newTestBoard(t)
	page, err := b.svc.ListPosts(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, page.TotalItems)
	assert.Equal(t, 0, page.TotalPages)
	assert.NotNil(t, page.Items)
}

func TestUpdatePost_OwnerCheck(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	p, err := b.svc.CreatePost(ctx, CreatePostInput{UID: "owner", Nickname: "n", Title: "before", Body: "body"}, nil)
	require.NoError(t, err)

	_, err = b.svc.UpdatePost(ctx, p.PostID, "intruder", UpdatePostInput{Title: strPtr("hacked")}, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	updated, err := b.svc.UpdatePost(ctx, p.PostID, "owner", UpdatePostInput{Title: strPtr("after")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Title)
	assert.Equal(t, "body", updated.Body, "nil fields are left alone")
	assert.Greater(t, updated.UpdatedAt, p.UpdatedAt)
	assert.Equal(t, p.CreatedAt, updated.CreatedAt)

	_, err = b.svc.UpdatePost(ctx, "missing", "owner", UpdatePostInput{}, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	t.Log("✅ 作者检查通过")
}

func TestUpdatePost_ReplacesImage(t *testing.T) {
	b := newTestBoard(t, WithIDGenerator(func() string { return "p1" }))
	ctx := context.Background()

	_, err := b.svc.CreatePost(ctx, CreatePostInput{UID: "u1", Nickname: "n", Title: "t"},
		&ImageUpload{Filename: "a.jpg", Reader: strings.NewReader("old")})
	require.NoError(t, err)

	updated, err := b.svc.UpdatePost(ctx, "p1", "", UpdatePostInput{},
		&ImageUpload{Filename: "b.png", Reader: strings.NewReader("new")})
	require.NoError(t, err)
	assert.Equal(t, "/uploads/p1.png", *updated.ImageURL)

	_, err = os.Stat(filepath.Join(b.uploadDir, "p1.jpg"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeletePost(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	p, err := b.svc.CreatePost(ctx, CreatePostInput{UID: "owner", Nickname: "n", Title: "t"}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, b.svc.DeletePost(ctx, p.PostID, "other"), ErrForbidden)
	require.NoError(t, b.svc.DeletePost(ctx, p.PostID, "owner"))
	assert.ErrorIs(t, b.svc.DeletePost(ctx, p.PostID, "owner"), ErrNotFound)
}

func TestAddComment(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	p, err := b.svc.CreatePost(ctx, CreatePostInput{UID: "u1", Nickname: "n", Title: "t"}, nil)
	require.NoError(t, err)

	c1, err := b.svc.AddComment(ctx, p.PostID, CommentInput{UID: "u2", Nickname: "a", Body: "first"})
	require.NoError(t, err)
	c2, err := b.svc.AddComment(ctx, p.PostID, CommentInput{UID: "u3", Nickname: "b", Body: "second"})
	require.NoError(t, err)

	got, err := b.svc.GetPost(ctx, p.PostID)
	require.NoError(t, err)
	require.Len(t, got.Comments, 2)
	assert.Equal(t, c1.CommentID, got.Comments[0].CommentID)
	assert.Equal(t, c2.CommentID, got.Comments[1].CommentID)
	assert.Equal(t, c2.CreatedAt, got.UpdatedAt)

	_, err = b.svc.AddComment(ctx, "missing", CommentInput{UID: "u", Nickname: "n", Body: "b"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.svc.AddComment(ctx, p.PostID, CommentInput{UID: "u"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSetPageLimits(t *testing.T) {
	b := newTestBoard(t)
	b.svc.SetPageLimits(20, 5)
	def, max := b.svc.PageLimits()
	assert.Equal(t, 20, def)
	assert.Equal(t, 20, max)
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(fmt.Errorf("wrap: %w", ErrForbidden)))
	assert.False(t, IsClientError(jsonstore.ErrCorrupt))
}

func TestLocalImageStore_DeleteIgnoresForeignURLs(t *testing.T) {
	store, err := NewLocalImageStore(t.TempDir(), "/uploads/")
	require.NoError(t, err)
	assert.Equal(t, "/uploads", store.URLPrefix())
	assert.NoError(t, store.Delete(context.Background(), "https://elsewhere/x.png"))
	assert.NoError(t, store.Delete(context.Background(), "/uploads/../secret"))
	assert.NoError(t, store.Delete(context.Background(), "/uploads/none.png"))
}
