package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"phonemarket/internal/config"
	"phonemarket/internal/errors"
	"phonemarket/internal/logging"
	"phonemarket/internal/notify"
	"phonemarket/internal/txn"
	"phonemarket/pkg/models"
)

// SessionService 会话操作
type SessionService interface {
	Snapshot() models.Session
	Connect(ctx context.Context) error
	Disconnect()
}

// DeviceView 缓存的只读视图
type DeviceView interface {
	Snapshot() *models.Snapshot
	All() []*models.DeviceRecord
	Available() []*models.DeviceRecord
	Mine() []*models.DeviceRecord
	PendingVerification() []*models.DeviceRecord
	Device(id uint64) (*models.DeviceRecord, bool)
	Loading() bool
	LastError() error
	Refresh(ctx context.Context) error
}

// Transactions 写操作
type Transactions interface {
	List(ctx context.Context, fields models.ListingFields) (bool, error)
	Buy(ctx context.Context, id uint64, price string) (bool, error)
	Verify(ctx context.Context, id uint64, imei string) (bool, error)
	Pending() []models.PendingTransaction
}

// Deps 服务器依赖，Settings、Errors 与 Access 可为空
type Deps struct {
	Session       SessionService
	Devices       DeviceView
	Transactions  Transactions
	Notifications *notify.Ring
	Errors        *errors.ErrorHandler
	Settings      SettingsStore
	Access        *logging.StructuredLogger
	Chain         *config.ChainConfig
}

// Server API服务器
type Server struct {
	deps       Deps
	cfg        *config.APIConfig
	logger     *logrus.Logger
	logManager *LogManager
	router     *gin.Engine
	server     *http.Server
	intents    sync.WaitGroup
	started    time.Time
}

// NewServer 创建新的API服务器
func NewServer(cfg *config.APIConfig, deps Deps, logger *logrus.Logger) *Server {
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	s := &Server{
		deps:       deps,
		cfg:        cfg,
		logger:     logger,
		logManager: logManager,
		started:    time.Now(),
	}
	s.router = s.newRouter()
	return s
}

// Handler 路由，测试时直接使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动API服务器，正常关闭时返回 nil
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", s.cfg.Listen)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止接收请求
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Drain 等待已受理的写操作结算
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.intents.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("仍有写操作未结算: %w", ctx.Err())
	}
}

func (s *Server) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.accessLog())
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/session", s.getSession)
		api.POST("/session/connect", s.connect)
		api.POST("/session/disconnect", s.disconnect)

		api.GET("/devices", s.listDevices)
		api.GET("/devices/:id", s.getDevice)
		api.POST("/devices/refresh", s.refresh)

		api.POST("/tx/list", s.submitList)
		api.POST("/tx/buy", s.submitBuy)
		api.POST("/tx/verify", s.submitVerify)
		api.GET("/tx/pending", s.pending)

		api.GET("/notifications", s.notifications)
		api.DELETE("/notifications", s.clearNotifications)
		api.GET("/errors", s.errorStats)
		api.DELETE("/errors", s.clearErrorStats)
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)

		if s.deps.Settings != nil {
			settings := NewSettingsHandler(s.deps.Settings, s.logger)
			api.GET("/settings", settings.List)
			api.PUT("/settings", settings.Update)
		}
	}
	return router
}

// accessLog 访问日志
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if s.deps.Access == nil {
			return
		}
		status := c.Writer.Status()
		entry := s.deps.Access.WithFields(map[string]any{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   status,
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("http request")
		case status >= http.StatusBadRequest:
			entry.Warn("http request")
		default:
			entry.Info("http request")
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	sess := s.deps.Session.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"timestamp":    time.Now().Unix(),
		"uptime":       time.Since(s.started).Round(time.Second).String(),
		"session":      sess.Status,
		"needs_reload": sess.NeedsReload,
		"loading":      s.deps.Devices.Loading(),
	})
}

func (s *Server) getSession(c *gin.Context) {
	resp := gin.H{"session": s.deps.Session.Snapshot()}
	if s.deps.Chain != nil {
		resp["target_network"] = gin.H{
			"network_id":      s.deps.Chain.NetworkID,
			"network_name":    s.deps.Chain.NetworkName,
			"currency_symbol": s.deps.Chain.CurrencySymbol,
			"explorer_url":    s.deps.Chain.ExplorerURL,
			"contract":        s.deps.Chain.ContractAddress,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) connect(c *gin.Context) {
	if err := s.deps.Session.Connect(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s.deps.Session.Snapshot()})
}

func (s *Server) disconnect(c *gin.Context) {
	s.deps.Session.Disconnect()
	c.JSON(http.StatusOK, gin.H{"session": s.deps.Session.Snapshot()})
}

func (s *Server) listDevices(c *gin.Context) {
	view := c.DefaultQuery("view", "all")

	var devices []*models.DeviceRecord
	switch view {
	case "all":
		devices = s.deps.Devices.All()
	case "available":
		devices = s.deps.Devices.Available()
	case "mine":
		devices = s.deps.Devices.Mine()
	case "pending_verification":
		devices = s.deps.Devices.PendingVerification()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "未知的视图", "view": view})
		return
	}

	resp := gin.H{
		"view":    view,
		"devices": devices,
		"total":   len(devices),
		"loading": s.deps.Devices.Loading(),
	}
	if snap := s.deps.Devices.Snapshot(); snap != nil {
		resp["seq"] = snap.Seq
		resp["refreshed_at"] = snap.RefreshedAt
		resp["restored"] = snap.Restored
	}
	if err := s.deps.Devices.LastError(); err != nil {
		resp["last_error"] = errors.ReasonOf(err)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getDevice(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "设备 ID 无效"})
		return
	}
	device, ok := s.deps.Devices.Device(id)
	if !ok {
		s.fail(c, errors.NotFound(id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": device})
}

func (s *Server) refresh(c *gin.Context) {
	if err := s.deps.Devices.Refresh(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	resp := gin.H{"seq": uint64(0), "total": 0}
	if snap := s.deps.Devices.Snapshot(); snap != nil {
		resp["seq"] = snap.Seq
		resp["total"] = len(snap.All)
		resp["refreshed_at"] = snap.RefreshedAt
	}
	c.JSON(http.StatusOK, resp)
}

type buyRequest struct {
	DeviceID *uint64 `json:"device_id" binding:"required"`
	Price    string  `json:"price" binding:"required"`
}

type verifyRequest struct {
	DeviceID *uint64 `json:"device_id" binding:"required"`
	IMEI     string  `json:"imei" binding:"required"`
}

func (s *Server) submitList(c *gin.Context) {
	var req models.ListingFields
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}
	s.accept(c, models.TxList, func(ctx context.Context) (bool, error) {
		return s.deps.Transactions.List(ctx, req)
	})
}

func (s *Server) submitBuy(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}
	s.accept(c, models.TxBuy, func(ctx context.Context) (bool, error) {
		return s.deps.Transactions.Buy(ctx, *req.DeviceID, req.Price)
	})
}

func (s *Server) submitVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "message": err.Error()})
		return
	}
	s.accept(c, models.TxVerify, func(ctx context.Context) (bool, error) {
		return s.deps.Transactions.Verify(ctx, *req.DeviceID, req.IMEI)
	})
}

// accept 受理写操作，结果通过通知查询
func (s *Server) accept(c *gin.Context, kind models.TxKind, run func(ctx context.Context) (bool, error)) {
	id := uuid.NewString()
	ctx := txn.WithID(context.WithoutCancel(c.Request.Context()), id)

	s.intents.Add(1)
	go func() {
		defer s.intents.Done()
		if _, err := run(ctx); err != nil {
			s.logger.WithField("tx_id", id).Debugf("写操作未成功: %v", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"tx_id":  id,
		"kind":   kind,
		"status": "accepted",
	})
}

func (s *Server) pending(c *gin.Context) {
	txs := s.deps.Transactions.Pending()
	c.JSON(http.StatusOK, gin.H{"pending": txs, "total": len(txs)})
}

func (s *Server) notifications(c *gin.Context) {
	if s.deps.Notifications == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []models.Notification{}, "total": 0})
		return
	}
	page, pageSize := pagination(c)
	level := c.Query("level")
	items, total := s.deps.Notifications.List(level, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"notifications": items,
		"total":         total,
		"page":          page,
		"pageSize":      pageSize,
		"level":         level,
	})
}

func (s *Server) clearNotifications(c *gin.Context) {
	if s.deps.Notifications != nil {
		s.deps.Notifications.Clear()
	}
	c.JSON(http.StatusOK, gin.H{"message": "通知已清空"})
}

// errorStats 写操作失败统计
func (s *Server) errorStats(c *gin.Context) {
	if s.deps.Errors == nil {
		c.JSON(http.StatusOK, errors.NewErrorStats())
		return
	}
	c.JSON(http.StatusOK, s.deps.Errors.GetStats())
}

func (s *Server) clearErrorStats(c *gin.Context) {
	if s.deps.Errors != nil {
		s.deps.Errors.ClearStats()
	}
	c.JSON(http.StatusOK, gin.H{"message": "错误统计已清空"})
}

func (s *Server) getLogs(c *gin.Context) {
	page, pageSize := pagination(c)
	level := c.Query("level")
	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

func pagination(c *gin.Context) (int, int) {
	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}
	return page, pageSize
}

// fail 按错误类型返回状态码
func (s *Server) fail(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	c.JSON(statusFor(kind), gin.H{
		"error":  kind.String(),
		"reason": errors.ReasonOf(err),
	})
}

func statusFor(kind errors.ErrorKind) int {
	switch kind {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNoSession, errors.KindUserRejected:
		return http.StatusForbidden
	case errors.KindWrongNetwork:
		return http.StatusConflict
	case errors.KindWalletUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
