package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"exodetect/db"
	qhttp "exodetect/http"
	"exodetect/inference"
	"exodetect/logging"
	"exodetect/ml"
	"exodetect/monitoring"
)

type Config struct {
	Http  qhttp.ServerConfig `yaml:"http"`
	Model struct {
		Path  string `yaml:"path"`
		Watch bool   `yaml:"watch"`
	} `yaml:"model"`
	Inference inference.Config `yaml:"inference"`
	Log       logging.Config   `yaml:"log"`
	History   struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"history"`
	Locale string `yaml:"locale"`
}

func defaultConfig() *Config {
	config := &Config{
		Http:      qhttp.DefaultServerConfig(),
		Inference: inference.Config{Delay: inference.DefaultDelay, CacheSize: 256},
		Log:       logging.Config{Level: "info", Format: "console"},
		Locale:    "en",
	}
	config.Model.Path = "exoplanet_model.json"
	config.Model.Watch = true
	config.History.Path = "data/exodetect.db"
	return config
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// 1. Load config
	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize logger
	logger, err := logging.New(config.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Model loader; the artifact is read once and the result kept for the process lifetime
	loader := ml.NewLoader(config.Model.Path)
	if config.Model.Watch {
		if err := ml.WatchArtifact(ctx, config.Model.Path, logger, nil); err != nil {
			logger.Warn("model artifact watch disabled", zap.String("path", config.Model.Path), zap.Error(err))
		}
	}

	// 4. Realtime prediction feed and metrics
	feed := monitoring.NewPredictionFeed(logger)
	if err := feed.Start(); err != nil {
		logger.Fatal("failed to start prediction feed", zap.Error(err))
	}
	defer feed.Stop()

	metrics := monitoring.NewMetricsCollector()
	opts := qhttp.AppOptions{
		Loader:    loader,
		Inference: config.Inference,
		Observers: []inference.Observer{feed.Observer(), metrics.Observer()},
		Feed:      feed,
		Metrics:   metrics,
		Locale:    config.Locale,
		Logger:    logger,
	}

	// 5. Optional analysis history
	if config.History.Enabled {
		store, err := db.Open(config.History.Path)
		if err != nil {
			logger.Fatal("failed to open history database", zap.String("path", config.History.Path), zap.Error(err))
		}
		defer store.Close()
		logger.Info("analysis history enabled", zap.String("path", config.History.Path))
		opts.Observers = append(opts.Observers, store.Observer(logger))
		opts.History = store
	}

	app, err := qhttp.NewApp(opts)
	if err != nil {
		logger.Fatal("failed to create app", zap.Error(err))
	}
	if _, err := app.Invoker(); err == nil {
		logger.Info("model loaded", zap.String("path", config.Model.Path))
	}

	// 6. Start HTTP server
	server := qhttp.NewServer(config.Http, app, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 7. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	if err := server.Stop(); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("exiting")
}

// loadConfig 读取配置文件，文件不存在时使用默认配置
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	// 空文件或只有注释时yaml返回io.EOF
	if err := yaml.NewDecoder(file).Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if config.Model.Path == "" {
		config.Model.Path = defaultConfig().Model.Path
	}
	if config.Inference.Delay < 0 {
		config.Inference.Delay = 0
	}
	if config.Http.Port == 0 {
		config.Http.Port = qhttp.DefaultServerConfig().Port
	}
	if config.Http.Timeout < config.Inference.Delay+time.Second {
		config.Http.Timeout = config.Inference.Delay + qhttp.DefaultServerConfig().Timeout
	}
	return config, nil
}
