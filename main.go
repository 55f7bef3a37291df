package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhSuiL/Pallas-Bot/internal/chat"
	"github.com/uhSuiL/Pallas-Bot/internal/config"
	"github.com/uhSuiL/Pallas-Bot/internal/handler"
	"github.com/uhSuiL/Pallas-Bot/internal/keyword"
	"github.com/uhSuiL/Pallas-Bot/internal/logger"
	"github.com/uhSuiL/Pallas-Bot/internal/onebot"
	"github.com/uhSuiL/Pallas-Bot/internal/server"
	"github.com/uhSuiL/Pallas-Bot/internal/storage"
	"github.com/uhSuiL/Pallas-Bot/internal/tts"
)

func main() {
	fmt.Println("=================================")
	fmt.Println("    帕拉斯 - 牛牛复读机")
	fmt.Println("=================================")

	// 加载配置
	configPath := "config/config.yaml"
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志系统
	logger.Init(cfg.App.LogLevel, cfg.App.Debug)

	zap.L().Info("配置已加载", zap.String("path", configPath))

	// 初始化分词器，词典加载失败没法提取关键词，直接退出
	extractor, err := keyword.NewExtractor()
	if err != nil {
		zap.L().Fatal("分词器初始化失败", zap.Error(err))
	}
	zap.L().Info("分词器已就绪")

	// 选择持久化存储
	var store chat.ContextStore
	var manager *storage.Manager
	switch cfg.Storage.Driver {
	case "mysql":
		manager, err = storage.NewManager(cfg)
		if err != nil {
			zap.L().Fatal("数据库连接失败", zap.Error(err))
		}
		store = manager
		zap.L().Info("数据库已连接", zap.String("host", cfg.Storage.MySQL.Host))
	case "memory":
		store = chat.NewMemoryStore()
		zap.L().Warn("使用内存存储，进程退出后学到的内容会丢失")
	default:
		zap.L().Fatal("未知的存储驱动", zap.String("driver", cfg.Storage.Driver))
	}

	// 创建学习引擎
	engine := chat.NewEngine(&cfg.Chat, store)
	if cfg.TTS.Enabled {
		engine.SetSynthesizer(tts.NewBaiduTTS(&cfg.TTS))
		zap.L().Info("语音合成已启用", zap.Int("speaker", cfg.TTS.Speaker))
	}

	// 创建OneBot客户端
	botClient := onebot.NewClient(cfg)
	if err := botClient.Connect(); err != nil {
		zap.L().Fatal("OneBot连接失败", zap.Error(err))
	}
	defer botClient.Close()

	// 注册群消息处理器
	h := handler.New(cfg, botClient, engine, extractor.Extract)
	h.Start()

	// 启动HTTP服务（健康检查和管理接口）
	httpServer := server.New(cfg, store, manager, engine, extractor.Extract)
	go func() {
		if err := httpServer.Start(); err != nil {
			zap.L().Error("管理服务异常退出", zap.Error(err))
		}
	}()

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	zap.L().Info("牛牛已上线，按 Ctrl+C 退出")
	<-quit

	zap.L().Info("正在关闭...")
	// 先把缓存里没落盘的消息写出去
	engine.Close(context.Background())
	if err := httpServer.Stop(); err != nil {
		zap.L().Warn("管理服务关闭失败", zap.Error(err))
	}
	if manager != nil {
		if err := manager.Close(); err != nil {
			zap.L().Warn("数据库关闭失败", zap.Error(err))
		}
	}
	zap.L().Info("再见！")
}
