package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"scathat/internal/assessment"
	"scathat/internal/chain"
	"scathat/internal/connection"
	riskerrors "scathat/internal/errors"
	"scathat/internal/fusion"
	"scathat/internal/metrics"
	"scathat/internal/validation"
	"scathat/internal/verification"
	"scathat/pkg/models"
)

// NodeReporter 节点状态来源，*connection.ConnectionPool满足该接口
type NodeReporter interface {
	GetStats() []connection.NodeStats
}

// Options 服务器选项
type Options struct {
	Port    int
	Mode    string // gin模式: release|debug|test
	Metrics *metrics.Metrics
	Nodes   NodeReporter
	MaxLogs int
}

// Server API服务器
type Server struct {
	service    *assessment.Service
	metrics    *metrics.Metrics
	nodes      NodeReporter
	logger     *logrus.Logger
	logManager *LogManager
	errHandler *riskerrors.ErrorHandler
	router     *gin.Engine
	server     *http.Server
	mu         sync.Mutex
	port       int
	startedAt  time.Time
}

// NewServer 创建API服务器
func NewServer(service *assessment.Service, logger *logrus.Logger, opts Options) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = 1000
	}
	if opts.Port == 0 {
		opts.Port = 8080
	}

	logManager := NewLogManager(opts.MaxLogs)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		service:    service,
		metrics:    opts.Metrics,
		nodes:      opts.Nodes,
		logger:     logger,
		logManager: logManager,
		errHandler: riskerrors.NewErrorHandler(logger),
		port:       opts.Port,
		startedAt:  time.Now(),
	}

	switch opts.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(opts.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(corsMiddleware())
	router.Use(gin.Recovery())
	router.Use(s.observe())
	s.setupRoutes(router)
	s.router = router

	return s
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// LogManager 内存日志
func (s *Server) LogManager() *LogManager {
	return s.logManager
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在端口 %d", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("正在关闭API服务器")
	return srv.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// observe 记录请求日志与指标
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.ObserveHTTP(route, status)

		s.logger.WithFields(logrus.Fields{
			"component":   "api",
			"method":      c.Request.Method,
			"route":       route,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("请求完成")
	}
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := router.Group("/api/v1")
	{
		api.POST("/analyze", s.analyze)
		api.POST("/fuse", s.fuse)
		api.POST("/verify", s.verify)
		api.POST("/verify/batch", s.verifyBatch)
		api.POST("/writeback", s.writeback)

		api.GET("/risk/:address", s.getRisk)
		api.GET("/receipts/:address", s.getReceipts)

		api.GET("/nodes", s.getNodes)
		api.GET("/errors", s.getErrorStats)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}
}

// fail 统一错误响应
func (s *Server) fail(c *gin.Context, err error) {
	riskErr := s.errHandler.HandleError(c.Request.Context(), err)
	status := statusFor(riskErr)
	if errors.Is(err, chain.ErrNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{
		"error":   riskErr.Message,
		"kind":    riskErr.Kind,
		"code":    riskErr.Code,
		"details": riskErr.Error(),
	})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.fail(c, riskerrors.Wrap(err, models.ErrorKindInvalidInput, "INVALID_REQUEST_BODY", "请求体解析失败"))
}

// statusFor 错误类型映射到HTTP状态码
func statusFor(err *riskerrors.RiskError) int {
	switch err.Kind {
	case models.ErrorKindInvalidInput:
		return http.StatusBadRequest
	case models.ErrorKindServiceUnavailable:
		return http.StatusServiceUnavailable
	case models.ErrorKindInsufficientFunds:
		return http.StatusPaymentRequired
	case models.ErrorKindGasEstimationFailure, models.ErrorKindContractExecutionError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "scathat-api",
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"writeback": s.service.WritebackEnabled(),
	})
}

// analyze 完整评估
func (s *Server) analyze(c *gin.Context) {
	var req assessment.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.Bytecode == "" && req.ContractAddress == "" && req.SourceCode == "" {
		s.fail(c, riskerrors.InvalidInput("EMPTY_REQUEST", "bytecode、contract_address与solidity_code至少提供一个"))
		return
	}

	a, err := s.service.Assess(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type fuseRequest struct {
	BytecodeAnalysis *models.DetectorReading `json:"bytecode_analysis"`
	CodeAnalysis     *models.DetectorReading `json:"code_analysis"`
	BehaviorAnalysis *models.DetectorReading `json:"behavior_analysis"`
}

// fuse 纯融合
func (s *Server) fuse(c *gin.Context) {
	var req fuseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.service.Fuse(fusion.Readings{
		Bytecode: req.BytecodeAnalysis,
		Code:     req.CodeAnalysis,
		Behavior: req.BehaviorAnalysis,
	}))
}

type verifyRequest struct {
	ContractAddress  string `json:"contract_address" binding:"required"`
	ExpectedBytecode string `json:"expected_bytecode"`
}

// verify 单个合约验证
func (s *Server) verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	result, err := s.service.Verify(c.Request.Context(), req.ContractAddress, req.ExpectedBytecode)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type batchVerifyRequest struct {
	Targets []verifyRequest `json:"targets" binding:"required"`
}

// verifyBatch 批量验证，结果顺序与请求一致
func (s *Server) verifyBatch(c *gin.Context) {
	var req batchVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	targets := make([]verification.Target, 0, len(req.Targets))
	for _, t := range req.Targets {
		target := verification.Target{Address: t.ContractAddress}
		if t.ExpectedBytecode != "" {
			code, err := validation.DecodeBytecode(t.ExpectedBytecode)
			if err != nil {
				s.fail(c, err)
				return
			}
			target.ExpectedBytecode = code
		}
		targets = append(targets, target)
	}

	results, err := s.service.VerifyBatch(c.Request.Context(), targets)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
	})
}

type writebackRequest struct {
	ContractAddress  string   `json:"contract_address" binding:"required"`
	AIScore          *float64 `json:"ai_score" binding:"required"`
	AIConfidence     *float64 `json:"ai_confidence" binding:"required"`
	ExpectedBytecode string   `json:"expected_bytecode"`
}

// writeback 写入链上，签名私钥只来自配置
func (s *Server) writeback(c *gin.Context) {
	var req writebackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	receipt, err := s.service.WriteBack(c.Request.Context(), req.ContractAddress, *req.AIScore, *req.AIConfidence, req.ExpectedBytecode)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// getRisk 读取注册合约中的风险描述
func (s *Server) getRisk(c *gin.Context) {
	address := c.Param("address")
	risk, err := s.service.ReadRisk(c.Request.Context(), address)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contract_address": address,
		"risk_score":       risk,
	})
}

// getReceipts 查询写入回执
func (s *Server) getReceipts(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	receipts, err := s.service.Receipts(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"receipts": receipts,
		"total":    len(receipts),
	})
}

// getNodes 获取节点状态
func (s *Server) getNodes(c *gin.Context) {
	if s.nodes == nil {
		c.JSON(http.StatusOK, gin.H{
			"nodes":   []connection.NodeStats{},
			"total":   0,
			"message": "未配置任何节点",
		})
		return
	}

	nodes := s.nodes.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"total": len(nodes),
	})
}

// getErrorStats 错误统计
func (s *Server) getErrorStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.errHandler.GetStats())
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{
		"message": "日志已清空",
	})
}
