package board

import "errors"

// TimeLayout 帖子/评论时间戳格式，固定宽度，可以直接按字符串排序
const TimeLayout = "2006-01-02T15:04:05.000000-07:00"

var (
	// ErrNotFound 帖子不存在
	ErrNotFound = errors.New("post not found")
	// ErrForbidden 非作者修改或删除
	ErrForbidden = errors.New("not the author of this post")
	// ErrInvalid 输入校验失败
	ErrInvalid = errors.New("invalid input")
)

// Comment 评论
type Comment struct {
	CommentID string `json:"commentId"`
	UID       string `json:"uid"`
	Nickname  string `json:"nickname"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

// Post 帖子
type Post struct {
	PostID    string    `json:"postId"`
	UID       string    `json:"uid"`
	Nickname  string    `json:"nickname"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt string    `json:"createdAt"`
	UpdatedAt string    `json:"updatedAt"`
	ImageURL  *string   `json:"imageUrl"`
	Comments  []Comment `json:"comments"`
}

// Document community.json 的完整结构
type Document struct {
	Posts []Post `json:"posts"`
}

// ListItem 列表中的一条
type ListItem struct {
	PostID       string  `json:"postId"`
	Title        string  `json:"title"`
	Nickname     string  `json:"nickname"`
	CreatedAt    string  `json:"createdAt"`
	CommentCount int     `json:"commentCount"`
	ImageURL     *string `json:"imageUrl"`
}

// Page 分页结果
type Page struct {
	Page       int        `json:"page"`
	PageSize   int        `json:"pageSize"`
	TotalPages int        `json:"totalPages"`
	TotalItems int        `json:"totalItems"`
	Items      []ListItem `json:"items"`
}

// CreatePostInput 发帖参数
type CreatePostInput struct {
	UID      string `json:"uid" validate:"required,max=128"`
	Nickname string `json:"nickname" validate:"required,max=64"`
	Title    string `json:"title" validate:"required,max=200"`
	Body     string `json:"body" validate:"max=20000"`
}

// UpdatePostInput 修改参数，nil字段保持不变
type UpdatePostInput struct {
	Title *string `json:"title" validate:"omitempty,min=1,max=200"`
	Body  *string `json:"body" validate:"omitempty,max=20000"`
}

// CommentInput 评论参数
type CommentInput struct {
	UID      string `json:"uid" validate:"required,max=128"`
	Nickname string `json:"nickname" validate:"required,max=64"`
	Body     string `json:"body" validate:"required,max=5000"`
}
