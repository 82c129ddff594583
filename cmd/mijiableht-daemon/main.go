package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jenicek001/mijiableht-daemon/internal/cache"
	"github.com/jenicek001/mijiableht-daemon/internal/config"
	"github.com/jenicek001/mijiableht-daemon/internal/mqttpub"
	"github.com/jenicek001/mijiableht-daemon/internal/orchestrator"
	"github.com/jenicek001/mijiableht-daemon/internal/scanner"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// Exit codes, per the daemon's external-interface contract.
const (
	exitOK             = 0
	exitOtherFatal     = 1
	exitConfigInvalid  = 2
	exitAdapterFatal   = 3
	exitMQTTAuthFailed = 4
)

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(exitConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(exitConfigInvalid)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("mijiableht-daemon starting", "version", version)

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("resolve timezone", "err", err)
		os.Exit(exitConfigInvalid)
	}

	sensorCache := cache.New(cache.Config{
		TemperatureThreshold: cfg.Thresholds.Temperature,
		HumidityThreshold:    cfg.Thresholds.Humidity,
		PublishInterval:      cfg.PublishInterval(),
		FriendlyNames:        cfg.FriendlyNames(),
	})

	bleScanner := scanner.New(cfg.Bluetooth.Adapter, logger)

	mqttCfg := mqttpub.DefaultConfig()
	mqttCfg.BrokerHost = cfg.MQTT.BrokerHost
	mqttCfg.BrokerPort = cfg.MQTT.BrokerPort
	mqttCfg.Username = cfg.MQTT.Username
	mqttCfg.Password = cfg.MQTT.Password
	mqttCfg.ClientID = cfg.MQTT.ClientID
	mqttCfg.BaseTopic = cfg.MQTT.BaseTopic
	mqttCfg.DiscoveryPrefix = cfg.MQTT.DiscoveryPrefix
	mqttCfg.PublishInterval = cfg.PublishInterval()
	mqttCfg.QoS = cfg.MQTT.QoS
	mqttCfg.Retain = cfg.MQTT.Retain
	mqttCfg.StatisticsEnabled = cfg.Statistics.Enabled
	mqttCfg.DiscoveryCleanupOnShutdown = cfg.Discovery.CleanupOnShutdown

	publisher := mqttpub.New(mqttCfg, loc, logger)

	orch := orchestrator.New(bleScanner, sensorCache, publisher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := orch.Run(ctx)
	stop()

	switch {
	case runErr == nil:
		logger.Info("goodbye")
		os.Exit(exitOK)
	case errors.Is(runErr, mqttpub.ErrAuthFailed):
		logger.Error("fatal", "err", runErr)
		os.Exit(exitMQTTAuthFailed)
	case errors.Is(runErr, scanner.ErrAdapterUnavailable),
		errors.Is(runErr, scanner.ErrPermissionDenied),
		errors.Is(runErr, scanner.ErrAdapterBusy):
		logger.Error("fatal", "err", runErr)
		os.Exit(exitAdapterFatal)
	default:
		logger.Error("fatal", "err", runErr)
		os.Exit(exitOtherFatal)
	}
}
