package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fileflow/fileflow/internal/core"
	"github.com/fileflow/fileflow/internal/storage"
	"github.com/fileflow/fileflow/internal/store"
	"github.com/fileflow/fileflow/internal/upload"
)

// userHeader carries the authenticated user id, set by the fronting
// auth proxy. Authentication itself is outside this server.
const userHeader = "X-User-ID"

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		if err := s.ensureUser(r.Context(), userID); err != nil {
			log.Error().Err(err).Str("user", userID).Msg("failed to provision user")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next(w, r, userID)
	}
}

// ensureUser creates a quota record with the default quota the first
// time an identity shows up.
func (s *Server) ensureUser(ctx context.Context, userID string) error {
	if _, ok := s.provisioned.Load(userID); ok {
		return nil
	}
	_, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		err = s.store.PutUser(ctx, &store.User{
			ID:           userID,
			StorageQuota: s.cfg.Quota.DefaultQuota.Bytes(),
			CreatedAt:    time.Now(),
		})
		if err == nil {
			s.audit.LogProvision(userID, s.cfg.Quota.DefaultQuota.Bytes())
		}
	}
	if err != nil {
		return err
	}
	s.provisioned.Store(userID, struct{}{})
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps component errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, storage.ErrNotFound),
		errors.Is(err, upload.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrQuotaExceeded):
		writeError(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, core.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, upload.ErrValidation), errors.Is(err, upload.ErrInvalidChunk),
		errors.Is(err, storage.ErrEmptyStream):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, upload.ErrIncomplete), errors.Is(err, storage.ErrMissingChunk):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.backend.Name(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, userID string) {
	first := s.hub.ConnectionCount(userID) == 0
	if first {
		s.metrics.ConnectedUsers.Inc()
	}
	s.hub.ServeWS(w, r, userID)
	if first && s.hub.ConnectionCount(userID) == 0 {
		s.metrics.ConnectedUsers.Dec()
	}
}

// handleFiles accepts a direct upload: POST with the raw file body,
// filename and parent in query parameters.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeError(w, http.StatusBadRequest, "filename required")
		return
	}
	if r.ContentLength <= 0 {
		writeError(w, http.StatusBadRequest, "content length required")
		return
	}

	rec, err := s.svc.Upload(r.Context(), userID, filename,
		r.Header.Get("Content-Type"), r.Body, r.ContentLength,
		r.URL.Query().Get("parent"))
	if err != nil {
		if errors.Is(err, core.ErrQuotaExceeded) {
			s.audit.LogFileOp(userID, "upload", "", filename, "denied", err.Error())
		}
		writeServiceError(w, err)
		return
	}
	s.audit.LogFileOp(userID, "upload", rec.ID, rec.Name, "allowed", "")
	writeJSON(w, http.StatusCreated, rec)
}

// handleFileByID routes /api/v1/files/{id} and its sub-paths.
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request, userID string) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/files/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "file id required")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.downloadFile(w, r, userID, id)
	case sub == "" && r.Method == http.MethodDelete:
		if err := s.svc.Delete(r.Context(), userID, id); err != nil {
			if errors.Is(err, core.ErrNotOwner) {
				s.audit.LogFileOp(userID, "delete", id, "", "denied", err.Error())
			}
			writeServiceError(w, err)
			return
		}
		s.audit.LogFileOp(userID, "delete", id, "", "allowed", "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case sub == "move" && r.Method == http.MethodPost:
		s.moveFile(w, r, userID, id)
	case sub == "url" && r.Method == http.MethodGet:
		s.downloadURL(w, r, userID, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request, userID, id string) {
	rc, rec, err := s.svc.Download(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, core.ErrNotOwner) {
			s.audit.LogFileOp(userID, "download", id, "", "denied", err.Error())
		}
		writeServiceError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.Name+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		log.Debug().Err(err).Str("file", id).Msg("download stream interrupted")
	}
}

func (s *Server) downloadURL(w http.ResponseWriter, r *http.Request, userID, id string) {
	expiry := 15 * time.Minute
	if v := r.URL.Query().Get("expiry"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expiry")
			return
		}
		expiry = d
	}
	url, err := s.svc.DownloadURL(r.Context(), userID, id, expiry)
	if err != nil {
		if errors.Is(err, storage.ErrPresignUnsupported) {
			writeError(w, http.StatusNotImplemented, err.Error())
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleSignedFile serves the /files URLs the local backend mints.
// The token is the credential: it carries the object path, permitted
// method and expiry, so the endpoint takes no user identity.
func (s *Server) handleSignedFile(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		writeError(w, http.StatusForbidden, "invalid or expired token")
		return
	}
	if r.Method != http.MethodGet || claims.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rc, err := s.backend.Read(r.Context(), claims.Path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		log.Error().Err(err).Str("path", claims.Path).Msg("failed to open signed object")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		log.Debug().Err(err).Str("path", claims.Path).Msg("signed download stream interrupted")
	}
}

func (s *Server) moveFile(w http.ResponseWriter, r *http.Request, userID, id string) {
	var req struct {
		ParentID string `json:"parentId"`
		Dir      string `json:"dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Dir == "" {
		req.Dir = userID
	}
	if err := s.svc.Move(r.Context(), userID, id, req.ParentID, req.Dir); err != nil {
		if errors.Is(err, core.ErrNotOwner) {
			s.audit.LogFileOp(userID, "move", id, "", "denied", err.Error())
		}
		writeServiceError(w, err)
		return
	}
	s.audit.LogFileOp(userID, "move", id, "", "allowed", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}

func (s *Server) handleOpenUpload(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Filename    string `json:"filename"`
		TotalSize   int64  `json:"totalSize"`
		TotalChunks int    `json:"totalChunks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.svc.OpenChunkedUpload(r.Context(), userID, req.TotalSize, req.TotalChunks, req.Filename)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

// handleUploadSession routes /api/v1/uploads/{id}, .../chunks/{n}, and
// .../complete.
func (s *Server) handleUploadSession(w http.ResponseWriter, r *http.Request, userID string) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/uploads/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id required")
		return
	}

	switch {
	case strings.HasPrefix(sub, "chunks/") && r.Method == http.MethodPut:
		n, err := strconv.Atoi(strings.TrimPrefix(sub, "chunks/"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chunk number")
			return
		}
		if err := s.svc.UploadChunk(r.Context(), id, n, r.Body, r.ContentLength); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})

	case sub == "complete" && r.Method == http.MethodPost:
		var req struct {
			ContentType string `json:"contentType"`
			ParentID    string `json:"parentId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		rec, err := s.svc.FinalizeChunkedUpload(r.Context(), userID, id, req.ContentType, req.ParentID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)

	case sub == "" && r.Method == http.MethodDelete:
		if err := s.svc.AbortChunkedUpload(r.Context(), userID, id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func pageParams(r *http.Request) (page, size int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 0 {
		page = 0
	}
	size, _ = strconv.Atoi(r.URL.Query().Get("size"))
	if size <= 0 || size > 100 {
		size = 20
	}
	return page, size
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	page, size := pageParams(r)
	res, err := s.searcher.Search(r.Context(), q, userID, page, size)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.metrics.SearchesTotal.WithLabelValues("combined").Inc()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearchContent(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	page, size := pageParams(r)
	res, err := s.searcher.SearchContent(r.Context(), q, userID, page, size)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.metrics.SearchesTotal.WithLabelValues("content").Inc()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearchTag(w http.ResponseWriter, r *http.Request, userID string) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		writeError(w, http.StatusBadRequest, "tag required")
		return
	}
	page, size := pageParams(r)
	res, err := s.searcher.SearchByTag(r.Context(), tag, userID, page, size)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.metrics.SearchesTotal.WithLabelValues("tag").Inc()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearchType(w http.ResponseWriter, r *http.Request, userID string) {
	fileType := r.URL.Query().Get("type")
	if fileType == "" {
		writeError(w, http.StatusBadRequest, "type required")
		return
	}
	page, size := pageParams(r)
	res, err := s.searcher.SearchByType(r.Context(), fileType, userID, page, size)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.metrics.SearchesTotal.WithLabelValues("type").Inc()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, userID string) {
	usage, err := s.svc.Usage(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// handleSubscriptions subscribes or unsubscribes the user to an item.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ItemID   string `json:"itemId"`
		ItemType string `json:"itemType"`
		Active   bool   `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	itemType := store.ItemFile
	if strings.EqualFold(req.ItemType, string(store.ItemFolder)) {
		itemType = store.ItemFolder
	}

	var err error
	action := "subscribe"
	if req.Active {
		err = s.notifier.Subscribe(r.Context(), userID, req.ItemID, itemType)
	} else {
		action = "unsubscribe"
		err = s.notifier.Unsubscribe(r.Context(), userID, req.ItemID, itemType)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.audit.LogSubscription(userID, req.ItemID, string(itemType), action)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
