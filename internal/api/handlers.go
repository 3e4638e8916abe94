package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"medchat/internal/auth"
	"medchat/internal/models"
	"medchat/internal/service/assistant"
	"medchat/internal/service/chat"
	"medchat/internal/worker"
)

const maxUploadBytes = 16 << 20

// ChatRunner executes one streamed chat; the worker manager satisfies it.
// CancelUser fails the user's chats that have not started yet.
type ChatRunner interface {
	Chat(ctx context.Context, req chat.Request, sink chat.Sink) (*chat.Result, error)
	CancelUser(userID int64) int
}

// HistoryService exposes the stored conversation.
type HistoryService interface {
	History(ctx context.Context, userID int64) ([]models.Message, error)
	ClearHistory(ctx context.Context, userID int64) (int64, error)
	InvalidateHistory(ctx context.Context, userID int64)
}

// Handler wires HTTP routes to the chat, user and upload services.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	history   HistoryService
	workers   ChatRunner
	limiter   gin.HandlerFunc
	uploadDir string
	logger    *slog.Logger
}

// NewHandler constructs a Handler instance. limiter may be nil.
func NewHandler(service *assistant.Service, authService *auth.Service, history HistoryService, workers ChatRunner, limiter gin.HandlerFunc, uploadDir string, logger *slog.Logger) *Handler {
	if uploadDir == "" {
		uploadDir = "./uploads"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		assistant: service,
		auth:      authService,
		history:   history,
		workers:   workers,
		limiter:   limiter,
		uploadDir: uploadDir,
		logger:    logger,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"msg": "Authentication required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)

	api := router.Group("/api")
	authRoutes := api.Group("/auth")
	authRoutes.POST("/signup", h.signup)
	authRoutes.POST("/login", h.login)
	authRoutes.POST("/logout", h.auth.Middleware(), h.logout)

	chatRoutes := api.Group("/chat", h.auth.Middleware())
	if h.limiter != nil {
		chatRoutes.POST("/", h.limiter, h.sendMessage)
	} else {
		chatRoutes.POST("/", h.sendMessage)
	}
	chatRoutes.GET("/history", h.getHistory)
	chatRoutes.DELETE("/history", h.clearHistory)
	chatRoutes.GET("/title", h.getTitle)

	fileRoutes := api.Group("/files", h.auth.Middleware())
	fileRoutes.POST("/upload", h.filesUpload)
}

func (h *Handler) health(c *gin.Context) {
	c.String(http.StatusOK, "Backend Healthy")
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, assistant.ErrMissingFields):
			c.JSON(http.StatusBadRequest, gin.H{"msg": "Username, email, and password are required"})
		case errors.Is(err, assistant.ErrUserExists):
			c.JSON(http.StatusConflict, gin.H{"msg": "Username or email already exists"})
		default:
			h.logger.Error("signup failed", "username", req.Username, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "An unexpected error occurred during signup."})
		}
		return
	}
	h.logger.Info("user registered", "user_id", user.ID)
	c.JSON(http.StatusCreated, gin.H{"msg": "User created successfully. Please log in."})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "Missing username or password"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, assistant.ErrInvalidCredentials) {
			h.logger.Error("login failed", "username", req.Username, "err", err)
		}
		c.JSON(http.StatusUnauthorized, gin.H{"msg": "Bad username or password"})
		return
	}
	token, expiresAt, err := h.auth.IssueToken(user.ID, user.Username)
	if err != nil {
		h.logger.Error("issue token failed", "user_id", user.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_at":   expiresAt,
		"user_id":      user.ID,
		"username":     user.Username,
	})
}

func (h *Handler) logout(c *gin.Context) {
	claims, ok := auth.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"msg": "Authentication required"})
		return
	}
	if err := h.auth.RevokeToken(c.Request.Context(), claims); err != nil {
		h.logger.Warn("revoke token failed", "user_id", claims.UserID, "err", err)
	}
	h.workers.CancelUser(claims.UserID)
	c.Status(http.StatusNoContent)
}

type chatRequest struct {
	Message *string `json:"message"`
}

// sendMessage streams the reply as plain text. Errors are reported as JSON only
// while nothing has been written; afterwards they travel in-band.
func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "Missing 'message' in request body"})
		return
	}

	sink := newStreamSink(c)
	res, err := h.workers.Chat(c.Request.Context(), chat.Request{UserID: userID, Message: *req.Message}, sink)
	if err != nil {
		if sink.Started() {
			h.logger.Error("chat failed after streaming started", "user_id", userID, "err", err)
			return
		}
		h.writeChatError(c, userID, err)
		return
	}
	if !sink.Started() {
		sink.Begin()
	}
	if res != nil && res.FinalizeErr != nil {
		h.logger.Warn("chat reply delivered but not stored", "user_id", userID, "outcome", res.Outcome)
	}
}

func (h *Handler) writeChatError(c *gin.Context, userID int64, err error) {
	var validation *chat.ValidationError
	var retrieval *chat.RetrievalError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"msg": "Message content cannot be empty"})
	case errors.As(err, &retrieval):
		h.logger.Error("history retrieval failed", "user_id", userID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Failed to retrieve chat history"})
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"msg": "server is busy, please retry"})
	case errors.Is(err, worker.ErrManagerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"msg": "server is shutting down"})
	case errors.Is(err, worker.ErrJobCancelled):
		c.JSON(http.StatusConflict, gin.H{"msg": "chat cancelled before it started"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Info("chat abandoned before start", "user_id", userID)
	default:
		h.logger.Error("chat failed", "user_id", userID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Internal server error"})
	}
}

type historyItem struct {
	ID          int64              `json:"id"`
	Sender      models.Sender      `json:"sender"`
	Content     string             `json:"content"`
	ContentType models.ContentType `json:"content_type"`
	Timestamp   string             `json:"timestamp"`
}

func (h *Handler) getHistory(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	msgs, err := h.history.History(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("history fetch failed", "user_id", userID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Failed to retrieve history"})
		return
	}
	out := make([]historyItem, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, historyItem{
			ID:          m.ID,
			Sender:      m.Sender,
			Content:     m.Content,
			ContentType: m.ContentType,
			Timestamp:   m.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) clearHistory(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	// queued chats would write into the history being cleared
	h.workers.CancelUser(userID)
	n, err := h.history.ClearHistory(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("history clear failed", "user_id", userID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Failed to delete chat history due to a server error."})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"msg":     fmt.Sprintf("Successfully deleted %d messages.", n),
		"deleted": n,
	})
}

func (h *Handler) getTitle(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	title, err := h.assistant.GetTitle(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"msg": "No title yet"})
			return
		}
		h.logger.Error("title fetch failed", "user_id", userID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Failed to retrieve title"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": title})
}

func (h *Handler) filesUpload(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"msg": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"msg": "No file part"})
		return
	}
	if file.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "No selected file"})
		return
	}
	if !assistant.AllowedFile(file.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "File type not allowed"})
		return
	}
	name := assistant.SanitizeFileName(file.Filename)
	if !assistant.AllowedFile(name) {
		c.JSON(http.StatusBadRequest, gin.H{"msg": "File type not allowed"})
		return
	}

	destDir, destPath, finalName := h.getUniqueFilePath(userID, name)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		h.logger.Error("create upload directory failed", "dir", destDir, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Failed to upload file"})
		return
	}
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		h.logger.Error("save upload failed", "path", destPath, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Failed to upload file"})
		return
	}

	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(finalName))
	}
	res, err := h.assistant.RecordUpload(c.Request.Context(), userID, finalName, destPath, mimeType, file.Size)
	if err != nil {
		_ = os.Remove(destPath)
		h.logger.Error("record upload failed", "user_id", userID, "file", finalName, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"msg": "Failed to upload file"})
		return
	}
	h.history.InvalidateHistory(c.Request.Context(), userID)

	c.JSON(http.StatusCreated, gin.H{
		"msg":           "File uploaded successfully",
		"filename":      finalName,
		"fileId":        res.File.ID,
		"chatMessageId": res.Message.ID,
	})
}

func (h *Handler) getFilePath(userID int64, filename string) (string, string) {
	destDir := filepath.Join(h.uploadDir, strconv.FormatInt(userID, 10))
	return destDir, filepath.Join(destDir, filename)
}

// getUniqueFilePath keeps earlier uploads with the same name intact by adding
// a short random suffix.
func (h *Handler) getUniqueFilePath(userID int64, filename string) (string, string, string) {
	destDir, destPath := h.getFilePath(userID, filename)
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destDir, destPath, filename
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	candidate := fmt.Sprintf("%s_%s%s", base, uuid.NewString()[:8], ext)
	_, path := h.getFilePath(userID, candidate)
	return destDir, path, candidate
}
