package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CapStatsServer/internal/auth"
	"CapStatsServer/internal/board"
	"CapStatsServer/internal/jsonstore"
	"CapStatsServer/internal/session"
	"CapStatsServer/internal/stats"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeVerifier map[string]string

func (f fakeVerifier) VerifyIDToken(_ context.Context, token string) (string, error) {
	if uid, ok := f[token]; ok {
		return uid, nil
	}
	return "", errors.New("bad token")
}

type fakeProfiles map[string]auth.Profile

func (f fakeProfiles) Get(_ context.Context, uid string) (auth.Profile, bool, error) {
	p, ok := f[uid]
	return p, ok, nil
}

type fakeCodes struct {
	mu    sync.Mutex
	codes map[string]auth.ExchangeCode
}

func (f *fakeCodes) Get(_ context.Context, code string) (auth.ExchangeCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ec, ok := f.codes[code]
	if !ok {
		return auth.ExchangeCode{}, auth.ErrCodeNotFound
	}
	return ec, nil
}

func (f *fakeCodes) MarkUsed(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ec := f.codes[code]
	ec.Used = true
	f.codes[code] = ec
	return nil
}

type fakeMinter struct{}

func (fakeMinter) CustomToken(_ context.Context, uid string) (string, error) {
	return "custom-" + uid, nil
}

type testEnv struct {
	server    *APIServer
	clock     *testClock
	uploadDir string
}

func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	clock := &testClock{now: time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)}

	repo, err := stats.NewJSONRepository(filepath.Join(dir, "players.json"), filepath.Join(dir, "cases.json"))
	require.NoError(t, err)
	table := session.NewTable(session.WithClock(clock.Now))
	agg := stats.NewAggregator(repo, stats.WithClock(clock.Now), stats.WithLocation(table.Location()))

	store, err := jsonstore.New(filepath.Join(dir, "community.json"))
	require.NoError(t, err)
	uploadDir := filepath.Join(dir, "uploads")
	images, err := board.NewLocalImageStore(uploadDir, "/uploads")
	require.NoError(t, err)

	deps := Deps{
		Tracker:         stats.NewTracker(table, agg),
		Board:           board.NewService(store, images),
		UploadDir:       uploadDir,
		UploadURLPrefix: "/uploads",
	}
	if withAuth {
		codes := &fakeCodes{codes: map[string]auth.ExchangeCode{
			"c-ok":   {UID: "u1", ExpiresAt: time.Now().Add(time.Hour)},
			"c-root": {UID: "u2", ExpiresAt: time.Now().Add(time.Hour)},
		}}
		deps.Auth = auth.NewGateway(
			fakeVerifier{"tok-owner": "owner", "tok-other": "other"},
			auth.WithProfiles(fakeProfiles{"owner": {"nickname": "주인"}}),
			auth.WithCodes(codes, fakeMinter{}),
		)
	}

	return &testEnv{
		server:    NewAPIServer(Options{Addr: ":0", CORSOrigins: []string{"http://localhost:5173"}}, deps),
		clock:     clock,
		uploadDir: uploadDir,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(t *testing.T, path string, v interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	h := http.Header{"Content-Type": []string{"application/json"}}
	for k, vals := range header {
		h[k] = vals
	}
	return e.do(t, http.MethodPost, path, bytes.NewReader(data), h)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func multipartBody(t *testing.T, fields map[string]string, filename string, file []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("image", filename)
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestEvents_StartEndExample(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.postJSON(t, "/events/start", map[string]string{"userId": "u1", "caseId": "c1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started startResponse
	decode(t, rec, &started)
	assert.NotEmpty(t, started.SessionID)
	assert.Equal(t, "2024-05-01T12:00:00.000000+09:00", started.StartTime)

	env.clock.Advance(10 * time.Second)

	rec = env.postJSON(t, "/events/end", map[string]interface{}{"sessionId": started.SessionID, "judge": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out stats.Outcome
	decode(t, rec, &out)
	assert.Equal(t, int64(10), out.TimeSpentSeconds)
	assert.Equal(t, int64(1), out.PlayerStage.PlayCount)
	assert.InDelta(t, 10.0, out.PlayerStage.AvgTimeSeconds, 1e-9)
	assert.Equal(t, int64(1), out.PlayerStage.ClearCount)
	assert.Equal(t, int64(1), out.CaseStats.PlayCount)
	assert.Equal(t, int64(1), out.CaseStats.TrueCount)
	assert.Equal(t, int64(0), out.CaseStats.FalseCount)

	rec = env.postJSON(t, "/events/end", map[string]interface{}{"sessionId": started.SessionID, "judge": true}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errResp APIResponse
	decode(t, rec, &errResp)
	assert.False(t, errResp.Success)
	assert.Equal(t, "session_not_found", errResp.Code)

	t.Logf("✅ 会话结束: %+v", out.PlayerStage)
}

func TestEvents_LegacyFieldNames(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.postJSON(t, "/events/start", map[string]string{"uid": "u9", "caseid": "c9"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var started startResponse
	decode(t, rec, &started)

	rec = env.postJSON(t, "/events/end", map[string]interface{}{"session_id": started.SessionID, "judge": false, "caseid": "c10"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out stats.Outcome
	decode(t, rec, &out)
	assert.Equal(t, "u9", out.UserID)
	assert.Equal(t, "c10", out.CaseID)
	assert.Equal(t, int64(1), out.CaseStats.FalseCount)
}

func TestEvents_BadRequests(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/events/start", strings.NewReader("{"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, "/events/end", map[string]interface{}{"judge": true}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, "/events/end", map[string]interface{}{"sessionId": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, "/events/end", map[string]interface{}{"sessionId": "never", "judge": true}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/stats/players/u1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.postJSON(t, "/events/start", map[string]string{"userId": "u1", "caseId": "c1"}, nil)
	var started startResponse
	decode(t, rec, &started)
	env.postJSON(t, "/events/end", map[string]interface{}{"sessionId": started.SessionID, "judge": true}, nil)

	rec = env.do(t, http.MethodGet, "/stats/players/u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var player struct {
		UID   string                          `json:"uid"`
		Cases map[string]stats.PlayerCaseStat `json:"cases"`
	}
	decode(t, rec, &player)
	assert.Equal(t, int64(1), player.Cases["c1"].PlayCount)

	rec = env.do(t, http.MethodGet, "/stats/cases/c1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var c stats.CaseStat
	decode(t, rec, &c)
	assert.Equal(t, int64(1), c.TrueCount)

	rec = env.do(t, http.MethodGet, "/stats/cases", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"c1"`)

	rec = env.do(t, http.MethodGet, "/stats/cases/none", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.postJSON(t, "/events/start", map[string]string{"userId": "u1", "caseId": "c1"}, nil)

	rec := env.do(t, http.MethodGet, "/sessions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Capacity int               `json:"capacity"`
		Sessions []session.Session `json:"sessions"`
	}
	decode(t, rec, &body)
	assert.Len(t, body.Sessions, 1)
	assert.Equal(t, session.DefaultCapacity, body.Capacity)
}

func TestCommunity_PostLifecycleWithoutAuth(t *testing.T) {
	env := newTestEnv(t, false)

	body, ct := multipartBody(t, map[string]string{"uid": "u1", "nickname": "탐정", "title": "hello", "body": "world"}, "shot.JPG", []byte("jpeg-bytes"))
	rec := env.do(t, http.MethodPost, "/community/posts", body, http.Header{"Content-Type": []string{ct}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var post board.Post
	decode(t, rec, &post)
	require.NotNil(t, post.ImageURL)
	assert.True(t, strings.HasSuffix(*post.ImageURL, ".jpg"))

	rec = env.do(t, http.MethodGet, *post.ImageURL, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg-bytes", rec.Body.String())

	for i := 0; i < 2; i++ {
		rec = env.postJSON(t, "/community/posts/"+post.PostID+"/comments",
			map[string]string{"uid": "u2", "nickname": "조수", "body": fmt.Sprintf("c%d", i)}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/community/posts?page=1&page_size=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page board.Page
	decode(t, rec, &page)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.Items[0].CommentCount)
	assert.Equal(t, 5, page.PageSize)

	rec = env.do(t, http.MethodGet, "/community/posts/"+post.PostID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail board.Post
	decode(t, rec, &detail)
	assert.Equal(t, "hello", detail.Title)
	assert.Equal(t, "world", detail.Body)
	assert.Equal(t, "u1", detail.UID)
	assert.Len(t, detail.Comments, 2)

	form := strings.NewReader("title=edited&uid=u1")
	rec = env.do(t, http.MethodPut, "/community/posts/"+post.PostID, form,
		http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &detail)
	assert.Equal(t, "edited", detail.Title)
	assert.Equal(t, "world", detail.Body)

	rec = env.do(t, http.MethodDelete, "/community/posts/"+post.PostID+"?uid=u2", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, "/community/posts/"+post.PostID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/community/posts/"+post.PostID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.postJSON(t, "/community/sso/consume", map[string]string{"code": "x"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCommunity_OwnerChecksWithAuth(t *testing.T) {
	env := newTestEnv(t, true)
	owner := http.Header{"Authorization": []string{"Bearer tok-owner"}}

	body, ct := multipartBody(t, map[string]string{"uid": "spoofed", "title": "mine"}, "", nil)
	h := http.Header{"Content-Type": []string{ct}}
	rec := env.do(t, http.MethodPost, "/community/posts", body, h)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	body, ct = multipartBody(t, map[string]string{"uid": "spoofed", "title": "mine"}, "", nil)
	h = http.Header{"Content-Type": []string{ct}, "Authorization": owner["Authorization"]}
	rec = env.do(t, http.MethodPost, "/community/posts", body, h)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var post board.Post
	decode(t, rec, &post)
	assert.Equal(t, "owner", post.UID, "uid comes from the verified token")
	assert.Equal(t, "주인", post.Nickname, "nickname is backfilled from the profile")

	body, ct = multipartBody(t, map[string]string{"title": "stolen"}, "", nil)
	rec = env.do(t, http.MethodPut, "/community/posts/"+post.PostID, body,
		http.Header{"Content-Type": []string{ct}, "Authorization": []string{"Bearer tok-other"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	body, ct = multipartBody(t, map[string]string{"title": "renamed"}, "", nil)
	rec = env.do(t, http.MethodPut, "/community/posts/"+post.PostID, body,
		http.Header{"Content-Type": []string{ct}, "Authorization": owner["Authorization"]})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated board.Post
	decode(t, rec, &updated)
	assert.Equal(t, "renamed", updated.Title)

	// 没有token的评论使用请求体里的uid
	rec = env.postJSON(t, "/community/posts/"+post.PostID+"/comments",
		map[string]string{"uid": "guest", "nickname": "손님", "body": "hi"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var comment board.Comment
	decode(t, rec, &comment)
	assert.Equal(t, "guest", comment.UID)

	rec = env.postJSON(t, "/community/posts/"+post.PostID+"/comments",
		map[string]string{"uid": "guest", "body": "as owner"}, owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &comment)
	assert.Equal(t, "owner", comment.UID)
	assert.Equal(t, "주인", comment.Nickname)

	rec = env.do(t, http.MethodDelete, "/community/posts/"+post.PostID, nil,
		http.Header{"Authorization": []string{"Bearer tok-other"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, "/community/posts/"+post.PostID, nil, owner)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCommunity_ConsumeCode(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.postJSON(t, "/community/sso/consume", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, "/community/sso/consume", map[string]string{"code": "c-ok"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp consumeResponse
	decode(t, rec, &resp)
	assert.Equal(t, "custom-u1", resp.CustomToken)

	rec = env.postJSON(t, "/community/sso/consume", map[string]string{"code": "c-ok"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.postJSON(t, "/community/sso/consume", map[string]string{"code": "nope"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 不带/community前缀的路径同样可用
	rec = env.postJSON(t, "/sso/consume", map[string]string{"code": "c-root"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &resp)
	assert.Equal(t, "custom-u2", resp.CustomToken)

	rec = env.postJSON(t, "/sso/consume", map[string]string{"code": "c-root"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthMetricsAndCORS(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health["status"])
	assert.EqualValues(t, 0, health["active_sessions"])
	assert.Contains(t, health, "uptime_seconds")
	assert.EqualValues(t, 0, health["error_count"])
	assert.Contains(t, health, "total_requests")

	rec = env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "capstats_http_request_duration_seconds")

	rec = env.do(t, http.MethodOptions, "/events/start", nil, http.Header{
		"Origin":                        []string{"http://localhost:5173"},
		"Access-Control-Request-Method": []string{"POST"},
	})
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(t, http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
