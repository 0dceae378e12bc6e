package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ChunkSize 上传图片时每次读取的字节数
const ChunkSize = 1 << 20

// ImageStore 帖子图片存储
type ImageStore interface {
	// Save 保存图片并返回公开URL；同一帖子同一扩展名会覆盖
	Save(ctx context.Context, postID, filename string, r io.Reader) (string, error)
	// Delete 按Save返回的URL删除，不存在不算错误
	Delete(ctx context.Context, url string) error
}

// ImageUpload 一次上传
type ImageUpload struct {
	Filename string
	Reader   io.Reader
}

func objectName(postID, filename string) string {
	return postID + strings.ToLower(filepath.Ext(filename))
}

// LocalImageStore 保存到本地目录，通过静态路径公开
type LocalImageStore struct {
	dir       string
	urlPrefix string
}

// NewLocalImageStore 创建本地图片存储
func NewLocalImageStore(dir, urlPrefix string) (*LocalImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	if urlPrefix == "" {
		urlPrefix = "/uploads"
	}
	return &LocalImageStore{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

// Dir 上传目录
func (s *LocalImageStore) Dir() string {
	return s.dir
}

// URLPrefix 公开路径前缀
func (s *LocalImageStore) URLPrefix() string {
	return s.urlPrefix
}

// Save 以固定大小的块写入 <dir>/<postId><ext>
func (s *LocalImageStore) Save(_ context.Context, postID, filename string, r io.Reader) (string, error) {
	name := objectName(postID, filename)
	dest := filepath.Join(s.dir, name)

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	// 包一层去掉ReaderFrom/WriterTo，保证按ChunkSize分块
	if _, err := io.CopyBuffer(struct{ io.Writer }{f}, struct{ io.Reader }{r}, make([]byte, ChunkSize)); err != nil {
		f.Close()
		os.Remove(dest)
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return s.urlPrefix + "/" + name, nil
}

// Delete 删除本地文件
func (s *LocalImageStore) Delete(_ context.Context, url string) error {
	name, ok := strings.CutPrefix(url, s.urlPrefix+"/")
	if !ok || name == "" || strings.ContainsAny(name, `/\`) {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// GCSImageStore 保存到Cloud Storage桶
type GCSImageStore struct {
	client     *storage.Client
	bucket     string
	publicBase string
	prefix     string
}

// NewGCSImageStore 创建GCS图片存储
func NewGCSImageStore(ctx context.Context, bucket, publicBase string, opts ...option.ClientOption) (*GCSImageStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if publicBase == "" {
		publicBase = "https://storage.googleapis.com"
	}
	return &GCSImageStore{
		client:     client,
		bucket:     bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
		prefix:     "uploads",
	}, nil
}

func (s *GCSImageStore) url(object string) string {
	return s.publicBase + "/" + s.bucket + "/" + object
}

// Save 上传对象
func (s *GCSImageStore) Save(ctx context.Context, postID, filename string, r io.Reader) (string, error) {
	object := path.Join(s.prefix, objectName(postID, filename))

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ChunkSize = ChunkSize
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("upload gs://%s/%s: %w", s.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, object, err)
	}
	return s.url(object), nil
}

// objectOf url的反向解析；不是本桶的URL返回false
func (s *GCSImageStore) objectOf(url string) (string, bool) {
	object, ok := strings.CutPrefix(url, s.publicBase+"/"+s.bucket+"/")
	if !ok || object == "" {
		return "", false
	}
	return object, true
}

// Delete 删除对象
func (s *GCSImageStore) Delete(ctx context.Context, url string) error {
	object, ok := s.objectOf(url)
	if !ok {
		return nil
	}
	err := s.client.Bucket(s.bucket).Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

// Close 关闭客户端
func (s *GCSImageStore) Close() error {
	return s.client.Close()
}
