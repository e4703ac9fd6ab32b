package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cortexhub/companion-gateway/internal/channel"
	"github.com/cortexhub/companion-gateway/internal/channel/discord"
	"github.com/cortexhub/companion-gateway/internal/channel/telegram"
	"github.com/cortexhub/companion-gateway/internal/channel/webchat"
	"github.com/cortexhub/companion-gateway/internal/config"
	"github.com/cortexhub/companion-gateway/internal/logging"
	"github.com/cortexhub/companion-gateway/internal/registry"
	"github.com/cortexhub/companion-gateway/internal/server"
	"github.com/cortexhub/companion-gateway/internal/tui"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	console := flag.Bool("console", false, "Launch the operator console instead of headless mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("info", "text", os.Stderr).Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logging.New("info", "text", os.Stderr).Error("Invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	logger.Info("Starting companion-gateway", "version", version)

	reg, err := registry.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to build registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthCtx, healthCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := reg.Router.Health(healthCtx); err != nil {
		logger.Warn("generation engine unhealthy at startup", "error", err)
	}
	healthCancel()

	reg.Scheduler.Start()
	logger.Info("Scheduler started")

	if reg.Consumer != nil {
		if err := reg.Consumer.Start(ctx); err != nil {
			logger.Error("Failed to start broker consumer", "error", err)
		}
	}

	adapters := []channel.Adapter{}
	if cfg.Channels.Telegram.Enabled {
		adapters = append(adapters, telegram.NewTelegramAdapter(cfg.Channels.Telegram.Token))
	}
	if cfg.Channels.Discord.Enabled {
		adapters = append(adapters, discord.NewDiscordAdapter(cfg.Channels.Discord.Token))
	}
	if cfg.Channels.WebChat.Enabled {
		adapters = append(adapters, webchat.NewWebChatAdapter(cfg.Channels.WebChat.Port, logging.WithComponent(logger, "webchat")))
	}
	manager := channel.NewManager(reg.Dispatcher, adapters, logging.WithComponent(logger, "channel"))
	if err := manager.Start(ctx); err != nil {
		logger.Error("Failed to start channels", "error", err)
	}

	var consumerCtl server.ConsumerControl
	if reg.Consumer != nil {
		consumerCtl = reg.Consumer
	}
	srv := server.New(cfg, reg.Store, reg.Dispatcher, reg.Resolver, reg.Activities, reg.Router,
		reg.Hub, reg.DLQ, consumerCtl, logging.WithComponent(logger, "server"))

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
		}
	}()

	if *console {
		if err := tui.Run(cfg, reg); err != nil {
			logger.Error("Console error", "error", err)
		}
	} else {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
	}

	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	manager.Stop()
	if reg.Consumer != nil {
		reg.Consumer.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
