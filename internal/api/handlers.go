package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"decyra/internal/auth"
	"decyra/internal/gateway"
	"decyra/internal/models"
	"decyra/internal/notebook"
	"decyra/internal/worker"
)

// AnalysisQueue is the async boundary to the gateway worker pool.
type AnalysisQueue interface {
	EnqueueAnalysis(worker.AnalysisRequest) error
	EnqueueRegeneration(worker.RegenerationRequest) error
	CachedStatus(ctx context.Context, userID, sessionID string) (models.Status, bool)
	DropStatus(userID, sessionID string)
	ResetUser(userID string)
}

// Handler wires HTTP routes to the notebook service and the analysis queue.
type Handler struct {
	notebook *notebook.Service
	auth     *auth.Service
	workers  AnalysisQueue
	scratch  *notebook.Scratch
	logf     func(format string, args ...any)
}

// NewHandler constructs a Handler instance.
func NewHandler(service *notebook.Service, authService *auth.Service, workers AnalysisQueue, scratch *notebook.Scratch, logf func(string, ...any)) *Handler {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Handler{
		notebook: service,
		auth:     authService,
		workers:  workers,
		scratch:  scratch,
		logf:     logf,
	}
}

// check token userID matches the path userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID := c.Param("id")
		if paramID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.GET("/sessions", h.listSessions)
	userRoutes.POST("/sessions", h.uploadAudio)
	userRoutes.GET("/sessions/:session_id", h.getSession)
	userRoutes.GET("/sessions/:session_id/status", h.sessionStatus)
	userRoutes.GET("/sessions/:session_id/export", h.exportSession)
	userRoutes.PUT("/sessions/:session_id/analysis", h.updateAnalysis)
	userRoutes.DELETE("/sessions/:session_id", h.deleteSession)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.notebook.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, notebook.ErrDuplicateAccount) {
			c.JSON(http.StatusConflict, gin.H{"error": "account already exists"})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	// Registration signs the new account in, like the login path.
	authToken, csrfToken, err := h.issueTokens(c, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"name":       user.Name,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.notebook.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, notebook.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	authToken, csrfToken, err := h.issueTokens(c, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"name":       user.Name,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) issueTokens(c *gin.Context, userID string) (string, string, error) {
	authToken, err := h.auth.IssueToken(c.Request.Context(), userID)
	if err != nil {
		return "", "", err
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		return "", "", err
	}
	return authToken, csrfToken, nil
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessions, err := h.notebook.ListSessions(c.Request.Context(), userID)
	if err != nil {
		if !errors.Is(err, notebook.ErrAnalysisDecode) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// Corrupt documents degrade those sessions instead of hiding the library.
		h.logf("list sessions for user %s: %v", userID, err)
	}
	sessions = notebook.FilterSessions(sessions, c.Query("q"))
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	session, err := h.notebook.GetSession(c.Request.Context(), userID, c.Param("session_id"))
	if err != nil {
		if errors.Is(err, notebook.ErrAnalysisDecode) {
			h.logf("get session for user %s: %v", userID, err)
			c.JSON(http.StatusOK, gin.H{"session": session})
			return
		}
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *Handler) sessionStatus(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	if status, ok := h.workers.CachedStatus(c.Request.Context(), userID, sessionID); ok {
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": status})
		return
	}
	status, err := h.notebook.SessionStatus(c.Request.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": status})
}

func (h *Handler) exportSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	session, err := h.notebook.GetSession(c.Request.Context(), userID, c.Param("session_id"))
	if err != nil && !errors.Is(err, notebook.ErrAnalysisDecode) {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportFilename(session.Title)))
	c.IndentedJSON(http.StatusOK, session)
}

func exportFilename(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '"', ':', '*', '?', '<', '>', '|':
			return '-'
		}
		return r
	}, strings.TrimSpace(title))
	if cleaned == "" {
		cleaned = "session"
	}
	return cleaned + ".json"
}

const maxUploadBytes = 25 << 20 // 25 MB

var allowedAudioTypes = []string{
	"audio/",
	"video/webm",
	"video/mp4",
	"application/ogg",
}

func isAllowedAudioType(ct string) bool {
	for _, allowed := range allowedAudioTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

// uploadAudio ingests one lecture recording and answers before analysis runs:
// the session is created in processing state, the audio goes to scratch, and
// the gateway job is queued. The client polls status until it settles.
func (h *Handler) uploadAudio(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(file.Filename))
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		// Browsers hand recorded blobs over without a useful type.
		mimeType = "audio/webm"
	}
	if !isAllowedAudioType(mimeType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	title := sessionTitle(c.PostForm("title"), file.Filename)
	duration, _ := strconv.Atoi(c.PostForm("duration_seconds"))

	session, err := h.notebook.CreateSession(c.Request.Context(), userID, title, duration)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, err := file.Open()
	if err != nil {
		h.discardSession(c, userID, session.ID, "")
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	defer src.Close()
	ext := filepath.Ext(file.Filename)
	if ext == "" {
		ext = ".webm"
	}
	path, err := h.scratch.Save(session.ID, ext, src)
	if err != nil {
		h.discardSession(c, userID, session.ID, "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}

	err = h.workers.EnqueueAnalysis(worker.AnalysisRequest{
		UserID:    userID,
		SessionID: session.ID,
		AudioPath: path,
		MimeType:  mimeType,
	})
	if err != nil {
		h.discardSession(c, userID, session.ID, path)
		if errors.Is(err, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session": session})
}

// sessionTitle picks the label: explicit title, else the file name with its
// extension stripped, else a clock-based default for finished recordings.
func sessionTitle(explicit, filename string) string {
	if title := strings.TrimSpace(explicit); title != "" {
		return title
	}
	base := filepath.Base(strings.TrimSpace(filename))
	if base != "" && base != "." {
		if name := strings.TrimSuffix(base, filepath.Ext(base)); name != "" {
			return name
		}
	}
	return "Class " + time.Now().Format("15:04")
}

func (h *Handler) discardSession(c *gin.Context, userID, sessionID, scratchPath string) {
	if scratchPath != "" {
		h.scratch.Remove(scratchPath)
	}
	if err := h.notebook.DeleteSession(c.Request.Context(), userID, sessionID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		h.logf("discard session %s: %v", sessionID, err)
	}
}

// updateAnalysis edits the document of a completed session. A changed
// transcript re-enters processing and regenerates everything; any other edit
// patches the document in place with no status transition.
func (h *Handler) updateAnalysis(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	var req models.Analysis
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := gateway.ValidateAnalysis(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.notebook.GetSession(c.Request.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if !errors.Is(err, notebook.ErrAnalysisDecode) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if session.Status != models.StatusCompleted || session.Analysis == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "session has no editable analysis"})
		return
	}

	if req.Transcript != session.Analysis.Transcript {
		patched, err := h.notebook.MarkProcessing(c.Request.Context(), userID, sessionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !patched {
			c.JSON(http.StatusConflict, gin.H{"error": "session changed, reload and retry"})
			return
		}
		err = h.workers.EnqueueRegeneration(worker.RegenerationRequest{
			UserID:     userID,
			SessionID:  sessionID,
			Transcript: req.Transcript,
		})
		if err != nil {
			// Roll the status back so the session is not stuck processing.
			if _, rerr := h.notebook.CompleteSession(c.Request.Context(), userID, sessionID, session.Analysis); rerr != nil {
				h.logf("restore session %s after enqueue failure: %v", sessionID, rerr)
			}
			if errors.Is(err, worker.ErrDispatcherBusy) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "status": models.StatusProcessing})
		return
	}

	patched, err := h.notebook.PatchAnalysis(c.Request.Context(), userID, sessionID, &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !patched {
		c.JSON(http.StatusConflict, gin.H{"error": "session changed, reload and retry"})
		return
	}
	session.Analysis = &req
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *Handler) deleteSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	if err := h.notebook.DeleteSession(c.Request.Context(), userID, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.workers.DropStatus(userID, sessionID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.ResetUser(id)
	if err := h.notebook.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
