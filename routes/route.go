// Package routes serves the run coordinator over HTTP.
package routes

import (
	"context"
	"net/http"
	"time"

	"edusandbox/executor"
	"edusandbox/lang"
	"edusandbox/model"
	"edusandbox/pkg"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Executor runs requests to completion and restarts the context.
type Executor interface {
	Execute(ctx context.Context, req model.ExecutionRequest, observe executor.MessageHandler) *model.ExecutionResponse
	Cancel()
}

// Environment reports the state of the execution context.
type Environment interface {
	State() lang.State
	LoadedPackages() []string
}

type ExecutionService struct {
	exec    Executor
	env     Environment
	timeout time.Duration
	logger  *zap.Logger
}

func NewExecutionService(exec Executor, env Environment, timeout time.Duration, logger *zap.Logger) *ExecutionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionService{exec: exec, env: env, timeout: timeout, logger: logger}
}

// SetupRouter registers the endpoints; the rate limiter guards the
// mutating ones.
func SetupRouter(s *ExecutionService, limiter *pkg.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.HandleHealth)

	guarded := r.Group("/")
	if limiter != nil {
		guarded.Use(limiter.Middleware())
	}
	guarded.POST("/execute", s.HandleExecute)
	guarded.POST("/restart", s.HandleRestart)
	return r
}

func (s *ExecutionService) HandleExecute(c *gin.Context) {
	var req model.ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ExecutionResponse{
			Error:         err.Error(),
			StatusMessage: "Invalid Request Format",
			Success:       false,
		})
		return
	}

	ctx := c.Request.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res := s.exec.Execute(ctx, req, nil)
	s.logger.Info("execution finished",
		zap.String("messageId", res.MessageID),
		zap.Bool("success", res.Success),
		zap.String("status", res.StatusMessage))

	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	c.JSON(status, res)
}

func (s *ExecutionService) HandleRestart(c *gin.Context) {
	s.exec.Cancel()
	c.JSON(http.StatusOK, model.ExecutionResponse{Success: true, StatusMessage: "Execution context restarted"})
}

func (s *ExecutionService) HandleHealth(c *gin.Context) {
	state := s.env.State()
	status := http.StatusOK
	if state == lang.StateFaulted {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"state":    state,
		"packages": s.env.LoadedPackages(),
	})
}
