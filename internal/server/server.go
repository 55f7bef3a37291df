package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/uhSuiL/Pallas-Bot/internal/chat"
	"github.com/uhSuiL/Pallas-Bot/internal/config"
	"github.com/uhSuiL/Pallas-Bot/internal/storage"
)

// Server 管理HTTP服务
type Server struct {
	cfg     *config.Config
	store   chat.ContextStore
	manager *storage.Manager // 仅 mysql 驱动下非空
	engine  *chat.Engine
	extract chat.KeywordFunc
	srv     *http.Server
}

// New 创建管理服务
func New(cfg *config.Config, store chat.ContextStore, manager *storage.Manager, engine *chat.Engine, extract chat.KeywordFunc) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		manager: manager,
		engine:  engine,
		extract: extract,
	}
}

// Start 启动HTTP服务
func (s *Server) Start() error {
	if !s.cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/context", s.handleContext)
		api.GET("/messages", s.handleMessages)
		api.POST("/ban", s.handleBan)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.srv = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	zap.L().Info("管理服务已启动", zap.String("addr", addr))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止HTTP服务
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStats 统计信息
func (s *Server) handleStats(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusOK, gin.H{"driver": "memory"})
		return
	}

	c.JSON(http.StatusOK, s.manager.GetStats())
}

// handleContext 按关键词查询学到的上下文
func (s *Server) handleContext(c *gin.Context) {
	keywords := c.Query("keywords")
	if keywords == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 keywords 参数"})
		return
	}

	entry, err := s.store.FindContext(c.Request.Context(), keywords)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "未找到该上下文"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// handleMessages 分页查询落盘的聊天记录
func (s *Server) handleMessages(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "memory 驱动不支持查询历史消息"})
		return
	}

	groupID, err := strconv.ParseInt(c.Query("group_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group_id 参数无效"})
		return
	}

	page, pageSize := parsePageParams(c)
	messages, total, err := s.manager.ListMessages(groupID, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"messages":  messages,
	})
}

// handleBan 屏蔽某条回复语
func (s *Server) handleBan(c *gin.Context) {
	var req struct {
		GroupID int64  `json:"group_id" binding:"required"`
		Text    string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r := chat.NewRecord(req.GroupID, 0, req.Text, req.Text, time.Now(), s.extract)
	if !s.engine.Ban(c.Request.Context(), r) {
		c.JSON(http.StatusNotFound, gin.H{"error": "最近的回复里没有这句话"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "已屏蔽"})
}

func parsePageParams(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
