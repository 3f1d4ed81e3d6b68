// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	logger *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8501,
		Timeout:        30 * time.Second,
		MaxBodyBytes:   1 << 20,
		AllowedOrigins: []string{"*"},
	}
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, app *App, logger *zap.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           NewHandler(config, app, logger),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		config: config,
		logger: logger,
	}
}

// NewHandler 组装路由和中间件
func NewHandler(config ServerConfig, app *App, logger *zap.Logger) http.Handler {
	defaults := DefaultServerConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}

	mux := http.NewServeMux()
	app.RegisterRoutes(mux)

	// 创建中间件链
	chain := Chain(
		LoggerMiddleware(logger),                   // 1. 日志中间件（最先执行，记录恢复后的状态码）
		RecoveryMiddleware(logger),                 // 2. 恢复中间件，捕获panic
		SecurityHeadersMiddleware,                  // 3. 安全头中间件
		CORSMiddleware(config.AllowedOrigins),      // 4. CORS中间件
		RequestSizeMiddleware(config.MaxBodyBytes), // 5. 请求大小限制中间件
		TimeoutMiddleware(config.Timeout),          // 6. 超时中间件
		GzipMiddleware,                             // 7. Gzip压缩中间件
	)

	root := http.NewServeMux()
	root.Handle("/", chain(mux))
	if app.feed != nil {
		// WebSocket需要Hijack，不经过超时和压缩
		root.Handle("GET /api/ws/predictions", Chain(LoggerMiddleware(logger), RecoveryMiddleware(logger))(app.feed))
	}
	return root
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	return nil
}
