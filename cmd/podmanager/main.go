package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"podm/internal/common"
	"podm/internal/podmanager"
	"podm/internal/podmanager/discovery"
	"podm/internal/podmanager/events"
	"podm/internal/podmanager/inventory"
	"podm/internal/podmanager/recovery"
	"podm/internal/podmanager/server"
	"podm/internal/podmanager/southbound"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	var (
		configFile  = flag.String("config", "configs/podmanager.yaml", "Configuration file path")
		development = flag.Bool("dev", false, "Enable development mode")
	)
	flag.Parse()

	// 加载配置文件
	config, err := common.LoadConfig(*configFile)
	if err != nil {
		panic(err)
	}
	if *development {
		config.Logging.Development = true
	}

	// 初始化日志系统
	if err := common.InitLoggerFromConfig(config); err != nil {
		panic(err)
	}
	defer common.Sync()

	logger := common.ComponentLogger("podmanager")
	logger.Info("Starting PodManager",
		zap.String("config_file", *configFile),
		zap.Bool("development", config.Logging.Development))

	logger.Info("Configuration loaded",
		zap.Int("port", config.PodManager.Port),
		zap.String("store_type", config.Store.Type),
		zap.String("events_type", config.Events.Type),
		zap.String("southbound_type", config.Southbound.Type),
		zap.String("inventory_file", config.Inventory.SourceFile))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	metrics := common.NewMetrics(registry)

	store, err := recovery.CreateNodeStore(config.Store)
	if err != nil {
		logger.Fatal("Failed to open node store", zap.Error(err))
	}

	publisher, err := events.NewPublisher(config.Events)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}
	dispatcher := events.NewDispatcher(publisher, config.Events.BufferSize)

	configurator, err := southbound.NewConfigurator(config.Southbound)
	if err != nil {
		logger.Fatal("Failed to create southbound configurator", zap.Error(err))
	}

	index := inventory.NewIndex()
	metrics.RegisterInventory(registry, index)

	// 资源发现必须在节点恢复之前完成，恢复时需要在索引中重新占用资源
	staticDiscovery := discovery.NewStaticDiscovery(config.Inventory, index)
	staticDiscovery.Watch(func(result discovery.Result) {
		metrics.ObserveDiscovery(result.Discovered, result.Invalid, result.Removed, result.Retained)
	})
	if err := staticDiscovery.Start(ctx); err != nil {
		logger.Fatal("Failed to discover resources", zap.Error(err))
	}

	pm := podmanager.NewPodManager(podmanager.Options{
		Config:       config.PodManager,
		Index:        index,
		Configurator: configurator,
		Store:        store,
		Events:       dispatcher,
		Metrics:      metrics,
	})
	if err := pm.Start(ctx); err != nil {
		logger.Fatal("Failed to start PodManager", zap.Error(err))
	}

	httpServer := server.NewHTTPServer(pm, metrics)
	if err := httpServer.Start(config.PodManager.Address, config.PodManager.Port); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	// 优雅关闭处理
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.PodManager.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	_ = staticDiscovery.Stop()
	cancel()
	if err := pm.Stop(); err != nil {
		logger.Error("Error stopping PodManager", zap.Error(err))
	}

	logger.Info("PodManager exited gracefully")
}
