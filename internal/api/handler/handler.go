// Package handler is the admin HTTP surface of the service.
package handler

import (
	"context"
	"errors"
	"net/http"

	"modbridge/backend/internal/engine"
	"modbridge/backend/internal/linking"
	"modbridge/backend/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Controller is the engine surface exposed over HTTP.
type Controller interface {
	Trigger(name string) error
	Status() []engine.TaskStatus
}

// CursorStore reads and resets report cursors.
type CursorStore interface {
	ListCursors(ctx context.Context) ([]models.Cursor, error)
	ResetCursor(ctx context.Context, stream, id string) error
}

// AccountStore reads per-account moderation history.
type AccountStore interface {
	GetPlatformUser(ctx context.Context, userID string) (*models.PlatformUser, error)
}

// Handler serves the admin API.
type Handler struct {
	Registry *linking.Registry
	Cursors  CursorStore
	Accounts AccountStore
	Engine   Controller
	Secret   []byte
	Log      logrus.FieldLogger
}

func NewHandler(registry *linking.Registry, cursors CursorStore, accounts AccountStore, eng Controller, secret []byte, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Registry: registry, Cursors: cursors, Accounts: accounts, Engine: eng, Secret: secret, Log: log}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)

	admin := r.Group("/admin", RequireAdmin(h.Secret))
	admin.GET("/status", h.Status)
	admin.POST("/links", h.CreateLink)
	admin.GET("/links/:chatUserID", h.GetLink)
	admin.DELETE("/links/:chatUserID", h.DeleteLink)
	admin.POST("/cursors/:stream/reset", h.ResetCursor)
	admin.GET("/accounts/:userID", h.GetAccount)
	admin.POST("/resync", h.Resync)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports task state and cursors.
func (h *Handler) Status(c *gin.Context) {
	cursors, err := h.Cursors.ListCursors(c.Request.Context())
	if err != nil {
		h.Log.Errorf("ERROR: list cursors: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read cursors"})
		return
	}
	var tasks []engine.TaskStatus
	if h.Engine != nil {
		tasks = h.Engine.Status()
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "cursors": cursors})
}

type linkRequest struct {
	ChatUserID     string `json:"chat_user_id" binding:"required"`
	PlatformUserID string `json:"platform_user_id" binding:"required"`
}

// CreateLink records a link whose handshake completed elsewhere.
func (h *Handler) CreateLink(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	link, err := h.Registry.Link(c.Request.Context(), req.ChatUserID, req.PlatformUserID)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, link)
	case errors.Is(err, linking.ErrAlreadyLinked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, linking.ErrInvalidID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.Log.Errorf("ERROR: create link: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create link"})
	}
}

func (h *Handler) GetLink(c *gin.Context) {
	link, err := h.Registry.LookupByChatUser(c.Request.Context(), c.Param("chatUserID"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, link)
	case errors.Is(err, linking.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.Log.Errorf("ERROR: lookup link: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read link"})
	}
}

// DeleteLink unlinks a chat user. Deleting a missing link succeeds.
func (h *Handler) DeleteLink(c *gin.Context) {
	if err := h.Registry.Unlink(c.Request.Context(), c.Param("chatUserID")); err != nil {
		h.Log.Errorf("ERROR: unlink: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unlink"})
		return
	}
	c.Status(http.StatusNoContent)
}

// GetAccount returns the warning count and status of a platform account.
func (h *Handler) GetAccount(c *gin.Context) {
	user, err := h.Accounts.GetPlatformUser(c.Request.Context(), c.Param("userID"))
	switch {
	case err != nil:
		h.Log.Errorf("ERROR: read account: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read account"})
	case user == nil:
		c.JSON(http.StatusNotFound, gin.H{"error": "no moderation history"})
	default:
		c.JSON(http.StatusOK, user)
	}
}

type resetRequest struct {
	ID string `json:"id" binding:"required"`
}

// ResetCursor moves a stream cursor to an arbitrary id.
func (h *Handler) ResetCursor(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stream := c.Param("stream")
	if err := h.Cursors.ResetCursor(c.Request.Context(), stream, req.ID); err != nil {
		h.Log.Errorf("ERROR: reset cursor: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset cursor"})
		return
	}
	h.Log.WithFields(logrus.Fields{"stream": stream, "admin": c.GetString("admin")}).
		Infof("INFO: cursor reset to %s", req.ID)
	c.JSON(http.StatusOK, gin.H{"stream": stream, "last_seen_id": req.ID})
}

// Resync triggers a role sync sweep.
func (h *Handler) Resync(c *gin.Context) {
	if h.Engine == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "engine not running"})
		return
	}
	if err := h.Engine.Trigger(engine.TaskRoleSync); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "role sync is not enabled"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}
