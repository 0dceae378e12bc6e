package board

import (
	"context"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestGCSImageStore_URLRoundTrip(t *testing.T) {
	s := &GCSImageStore{bucket: "capstats-img", publicBase: "https://cdn.example.com", prefix: "uploads"}

	object := path.Join(s.prefix, objectName("p-1", "Shot.PNG"))
	assert.Equal(t, "uploads/p-1.png", object)

	url := s.url(object)
	assert.Equal(t, "https://cdn.example.com/capstats-img/uploads/p-1.png", url)

	back, ok := s.objectOf(url)
	require.True(t, ok)
	assert.Equal(t, object, back)
}

func TestGCSImageStore_ForeignURLs(t *testing.T) {
	s := &GCSImageStore{bucket: "capstats-img", publicBase: "https://storage.googleapis.com", prefix: "uploads"}

	for _, url := range []string{
		"",
		"/uploads/p-1.png",
		"https://storage.googleapis.com/other-bucket/uploads/p-1.png",
		"https://storage.googleapis.com/capstats-img/",
	} {
		_, ok := s.objectOf(url)
		assert.False(t, ok, url)
	}
}

func TestNewGCSImageStore_DefaultsAndForeignDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewGCSImageStore(ctx, "capstats-img", "", option.WithoutAuthentication())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "https://storage.googleapis.com", s.publicBase)
	assert.Equal(t, "uploads", s.prefix)

	// 不属于本桶的URL不会发起请求
	assert.NoError(t, s.Delete(ctx, "/uploads/p-1.png"))
	t.Log("✅ GCS图片URL解析正确")
}

func TestLocalImageStore_Accessors(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalImageStore(dir, "/static/img/")
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())
	assert.Equal(t, "/static/img", s.URLPrefix())
}
