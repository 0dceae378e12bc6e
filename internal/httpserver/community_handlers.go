package httpserver

import (
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"CapStatsServer/internal/auth"
	"CapStatsServer/internal/board"
)

// maxUploadMemory 超过部分由multipart写入临时文件
const maxUploadMemory = 32 << 20

type commentRequest struct {
	UID      string `json:"uid"`
	Nickname string `json:"nickname"`
	Body     string `json:"body"`
}

type consumeRequest struct {
	Code string `json:"code" validate:"required"`
}

type consumeResponse struct {
	CustomToken string `json:"customToken"`
}

// callerUID 认证启用时返回token中的uid，否则返回fallback（表单中的uid）
func (s *APIServer) callerUID(r *http.Request, fallback string) (string, error) {
	if s.deps.Auth == nil {
		return fallback, nil
	}
	return s.deps.Auth.VerifyBearer(r.Context(), r.Header.Get("Authorization"))
}

// nicknameFor 请求里没有昵称时用资料中的显示名补上
func (s *APIServer) nicknameFor(r *http.Request, uid, given string) string {
	if given != "" || s.deps.Auth == nil {
		return given
	}
	profile, ok, err := s.deps.Auth.LookupProfile(r.Context(), uid)
	if err != nil || !ok {
		return given
	}
	return profile.Nickname()
}

func parseForm(r *http.Request) error {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		return r.ParseMultipartForm(maxUploadMemory)
	}
	return r.ParseForm()
}

// formValue 返回字段值以及字段是否出现
func formValue(r *http.Request, key string) (string, bool) {
	if r.MultipartForm != nil {
		if v, ok := r.MultipartForm.Value[key]; ok && len(v) > 0 {
			return v[0], true
		}
	}
	if v, ok := r.PostForm[key]; ok && len(v) > 0 {
		return v[0], true
	}
	return "", false
}

// imageUpload 取出名为image的文件；调用方负责关闭返回的文件
func imageUpload(r *http.Request) (*board.ImageUpload, multipart.File, error) {
	if r.MultipartForm == nil {
		return nil, nil, nil
	}
	file, header, err := r.FormFile("image")
	if err == http.ErrMissingFile {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if header.Filename == "" {
		file.Close()
		return nil, nil, nil
	}
	return &board.ImageUpload{Filename: header.Filename, Reader: file}, file, nil
}

// createPostHandler POST /community/posts (multipart)
func (s *APIServer) createPostHandler(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid form body")
		return
	}

	formUID, _ := formValue(r, "uid")
	uid, err := s.callerUID(r, formUID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	nickname, _ := formValue(r, "nickname")
	title, _ := formValue(r, "title")
	body, _ := formValue(r, "body")

	img, file, err := imageUpload(r)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid image upload")
		return
	}
	if file != nil {
		defer file.Close()
	}

	post, err := s.deps.Board.CreatePost(r.Context(), board.CreatePostInput{
		UID:      uid,
		Nickname: s.nicknameFor(r, uid, nickname),
		Title:    title,
		Body:     body,
	}, img)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, post)
}

func queryInt(r *http.Request, keys ...string) int {
	for _, key := range keys {
		if v := r.URL.Query().Get(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

// listPostsHandler GET /community/posts?page=&page_size=
func (s *APIServer) listPostsHandler(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page")
	pageSize := queryInt(r, "page_size", "pageSize")

	result, err := s.deps.Board.ListPosts(r.Context(), page, pageSize)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, result)
}

// getPostHandler GET /community/posts/{id}
func (s *APIServer) getPostHandler(w http.ResponseWriter, r *http.Request) {
	post, err := s.deps.Board.GetPost(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, post)
}

// updatePostHandler PUT /community/posts/{id}
func (s *APIServer) updatePostHandler(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid form body")
		return
	}

	formUID, _ := formValue(r, "uid")
	uid, err := s.callerUID(r, formUID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	var in board.UpdatePostInput
	if v, ok := formValue(r, "title"); ok {
		in.Title = &v
	}
	if v, ok := formValue(r, "body"); ok {
		in.Body = &v
	}

	img, file, err := imageUpload(r)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid image upload")
		return
	}
	if file != nil {
		defer file.Close()
	}

	post, err := s.deps.Board.UpdatePost(r.Context(), mux.Vars(r)["id"], uid, in, img)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, post)
}

// deletePostHandler DELETE /community/posts/{id}
func (s *APIServer) deletePostHandler(w http.ResponseWriter, r *http.Request) {
	uid, err := s.callerUID(r, r.URL.Query().Get("uid"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.deps.Board.DeletePost(r.Context(), mux.Vars(r)["id"], uid); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// addCommentHandler POST /community/posts/{id}/comments (JSON或表单)
//
// 带Bearer token时作者取token中的uid，否则使用请求体中的uid。
func (s *APIServer) addCommentHandler(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" || ct == "" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	} else {
		if err := parseForm(r); err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid form body")
			return
		}
		req.UID, _ = formValue(r, "uid")
		req.Nickname, _ = formValue(r, "nickname")
		req.Body, _ = formValue(r, "body")
	}

	uid := req.UID
	if s.deps.Auth != nil && strings.TrimSpace(r.Header.Get("Authorization")) != "" {
		verified, err := s.deps.Auth.VerifyBearer(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		uid = verified
	}

	comment, err := s.deps.Board.AddComment(r.Context(), mux.Vars(r)["id"], board.CommentInput{
		UID:      uid,
		Nickname: s.nicknameFor(r, uid, req.Nickname),
		Body:     req.Body,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, comment)
}

// consumeCodeHandler POST /sso/consume 和 /community/sso/consume {code}
func (s *APIServer) consumeCodeHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		s.writeDomainError(w, auth.ErrDisabled)
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("code is required: %v", err))
		return
	}

	token, err := s.deps.Auth.ConsumeCode(r.Context(), req.Code)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, consumeResponse{CustomToken: token})
}
