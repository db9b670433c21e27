package transport

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openfloor-dev/floor-manager/internal/v1/directory"
	"github.com/openfloor-dev/floor-manager/internal/v1/envelope"
	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
	"github.com/openfloor-dev/floor-manager/internal/v1/ratelimit"
	"github.com/openfloor-dev/floor-manager/internal/v1/types"
)

// DirectoryHandler serves the agent directory HTTP surface: the
// envelope-wrapped protocol endpoints plus convenience REST lookups.
type DirectoryHandler struct {
	service     *directory.Service
	rateLimiter *ratelimit.RateLimiter
}

// NewDirectoryHandler creates a DirectoryHandler. rateLimiter may be nil.
func NewDirectoryHandler(service *directory.Service, rateLimiter *ratelimit.RateLimiter) *DirectoryHandler {
	return &DirectoryHandler{service: service, rateLimiter: rateLimiter}
}

// RegisterRoutes installs the directory routes.
func (h *DirectoryHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.Info)

	api := r.Group("/api/v1")
	if h.rateLimiter != nil {
		api.Use(h.rateLimiter.APIMiddleware())
	}
	{
		api.POST("/manifests/publish", h.HandleEnvelope)
		api.POST("/manifests/get", h.HandleEnvelope)
		api.GET("/manifests/search", h.Search)
		api.GET("/manifests/list", h.List)
		api.DELETE("/manifests/:speaker_uri", h.Delete)
	}
}

// Info handles GET /: a service description for discovery.
func (h *DirectoryHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   "agent-name-service",
		"version":   envelope.SchemaVersion,
		"manifests": h.service.Store().Count(),
	})
}

// HandleEnvelope handles the envelope-wrapped publish and lookup endpoints.
// The body is an envelope doc whose first directory event decides the
// operation; the response is the reply envelope.
func (h *DirectoryHandler) HandleEnvelope(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	env, err := envelope.Parse(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reply, err := h.service.HandleEnvelope(c.Request.Context(), env)
	if err != nil {
		if errors.Is(err, envelope.ErrMalformedEnvelope) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logging.Error(c.Request.Context(), "Directory operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "directory operation failed"})
		return
	}

	doc, err := reply.Encode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode reply"})
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

// Search handles GET /api/v1/manifests/search with query-string filters.
func (h *DirectoryHandler) Search(c *gin.Context) {
	filters := directory.Filters{
		Organization: c.Query("organization"),
		Role:         c.Query("role"),
		SpeakerURI:   types.SpeakerURIType(c.Query("speaker_uri")),
		Status:       c.Query("status"),
	}
	if raw := c.Query("capabilities"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				filters.Capabilities = append(filters.Capabilities, trimmed)
			}
		}
	}

	manifests := h.service.Store().Get(filters)
	c.JSON(http.StatusOK, gin.H{
		"manifests": manifests,
		"count":     len(manifests),
	})
}

// List handles GET /api/v1/manifests/list, returning every stored manifest.
func (h *DirectoryHandler) List(c *gin.Context) {
	manifests := h.service.Store().List()
	c.JSON(http.StatusOK, gin.H{
		"manifests": manifests,
		"count":     len(manifests),
	})
}

// Delete handles DELETE /api/v1/manifests/{speaker_uri}.
func (h *DirectoryHandler) Delete(c *gin.Context) {
	uri := types.SpeakerURIType(c.Param("speaker_uri"))
	if !h.service.Store().Delete(uri) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown speakerUri"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
