package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SettingsStore 数据库设置表，修改在下次启动时生效
type SettingsStore interface {
	ListSettings() (map[string]string, error)
	UpdateSetting(key, value string) error
}

// SettingsHandler 设置表接口
type SettingsHandler struct {
	store  SettingsStore
	logger *logrus.Logger
}

// NewSettingsHandler 创建设置表接口
func NewSettingsHandler(store SettingsStore, logger *logrus.Logger) *SettingsHandler {
	return &SettingsHandler{store: store, logger: logger}
}

// List 列出生效的设置
func (h *SettingsHandler) List(c *gin.Context) {
	settings, err := h.store.ListSettings()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取设置失败",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings, "total": len(settings)})
}

// Update 更新单个设置
func (h *SettingsHandler) Update(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	if err := h.store.UpdateSetting(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "更新设置失败",
			"message": err.Error(),
		})
		return
	}

	h.logger.Infof("设置已更新: %s", req.Key)
	c.JSON(http.StatusOK, gin.H{
		"message": "设置已更新，重启后生效",
		"key":     req.Key,
		"value":   req.Value,
	})
}
