package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hedge-grid-bot-go/internal/account"
	"hedge-grid-bot-go/internal/config"
	"hedge-grid-bot-go/internal/controller"
	"hedge-grid-bot-go/internal/exchange"
	"hedge-grid-bot-go/internal/journal"
	"hedge-grid-bot-go/internal/logger"
	"hedge-grid-bot-go/internal/models"
	"hedge-grid-bot-go/internal/reporter"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// 为了在加载.env或配置时就能记录日志，先用默认配置初始化一次
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	if err := run(cfg); err != nil {
		logger.S().Errorf("策略异常退出: %v", err)
		os.Exit(1)
	}
}

func run(cfg *models.Config) error {
	longCreds, shortCreds, err := config.LoadCredentials()
	if err != nil {
		return err
	}

	// 根据配置选择生产网或测试网地址
	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
		logger.S().Info("正在使用测试网...")
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
		logger.S().Info("正在使用生产网...")
	}

	longSession, err := exchange.NewBinanceSession(longCreds, cfg.BaseURL, cfg.WSBaseURL,
		cfg.RetryAttempts, cfg.RetryInitialDelayMs, logger.Named("session-long"))
	if err != nil {
		return err
	}
	defer longSession.Close()

	shortSession, err := exchange.NewBinanceSession(shortCreds, cfg.BaseURL, cfg.WSBaseURL,
		cfg.RetryAttempts, cfg.RetryInitialDelayMs, logger.Named("session-short"))
	if err != nil {
		return err
	}
	defer shortSession.Close()

	// 可选的审计日志：只追加、重启不读取
	var sink *journal.Journal
	if cfg.JournalPath != "" {
		sink, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer sink.Close()
	}

	manager := account.NewManager(longSession, shortSession, cfg, logger.Named("account"))
	ctrl := controller.New(cfg, manager, sink, logger.Named("controller"))

	if err := ctrl.Start(); err != nil {
		var precondition *models.PreconditionError
		if errors.As(err, &precondition) {
			logger.S().Errorf("启动被拒绝: %v (可通过 force_flatten_on_start 强制清理)", err)
		}
		return err
	}

	statusReporter := reporter.New(ctrl, 30*time.Second)
	statusReporter.Start()

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.S().Info("收到退出信号，开始排空...")
	statusReporter.Stop()
	ctrl.Stop()
	logger.S().Info("对冲网格已安全退出。")
	return nil
}
