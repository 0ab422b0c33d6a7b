package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
)

// ConfigHandler manages the stored room documents that rooms are created from.
// Changes apply to rooms created afterwards.
type ConfigHandler struct {
	repo ports.RoomConfigRepository
}

func NewConfigHandler(repo ports.RoomConfigRepository) *ConfigHandler {
	return &ConfigHandler{repo: repo}
}

func (h *ConfigHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/v1/configs")
	{
		api.GET("", h.ListConfigs)
		api.GET("/:room", h.GetConfig)
		api.PUT("/:room", h.SaveConfig)
		api.DELETE("/:room", h.DeleteConfig)
	}
}

func repoError(err error, roomID string) error {
	if errors.Is(err, domain.ErrRoomNotFound) {
		return apperrors.NewNotFoundError("room config " + roomID)
	}
	return err
}

func (h *ConfigHandler) ListConfigs(c *gin.Context) {
	configs, err := h.repo.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": configs})
}

func (h *ConfigHandler) GetConfig(c *gin.Context) {
	roomID := c.Param("room")
	cfg, err := h.repo.Get(c.Request.Context(), roomID)
	if err != nil {
		c.Error(repoError(err, roomID))
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *ConfigHandler) SaveConfig(c *gin.Context) {
	var cfg domain.RoomConfig
	if !bind(c, &cfg) {
		return
	}
	roomID := c.Param("room")
	if cfg.ID == "" {
		cfg.ID = roomID
	}
	if cfg.ID != roomID {
		c.Error(apperrors.NewInvalidInputError("id does not match the path"))
		return
	}
	if err := h.repo.Save(c.Request.Context(), &cfg); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, &cfg)
}

func (h *ConfigHandler) DeleteConfig(c *gin.Context) {
	roomID := c.Param("room")
	if err := h.repo.Delete(c.Request.Context(), roomID); err != nil {
		c.Error(repoError(err, roomID))
		return
	}
	c.Status(http.StatusNoContent)
}
