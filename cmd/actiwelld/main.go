package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/vungocdu/actiwell-iot-sub000/internal/config"
	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/device/hl7"
	"github.com/vungocdu/actiwell-iot-sub000/internal/device/tanita"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/forward"
	"github.com/vungocdu/actiwell-iot-sub000/internal/logger"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
	"github.com/vungocdu/actiwell-iot-sub000/internal/pid"
	"github.com/vungocdu/actiwell-iot-sub000/internal/registry"
	"github.com/vungocdu/actiwell-iot-sub000/internal/statusapi"
	"github.com/vungocdu/actiwell-iot-sub000/internal/storage"
	"github.com/vungocdu/actiwell-iot-sub000/internal/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second
	checkTimeout    = 5 * time.Second
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if stderrors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel.String(), logger.IsService()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Str("config_file", cfg.ConfigFile).Msg("Config loaded")

	if err := run(cfg); err != nil {
		var appErr errors.Error
		if stderrors.As(err, &appErr) {
			logger.FatalWithCode(appErr).Msg("Gateway stopped")
		}
		logger.Fatal().Err(err).Msg("Gateway stopped")
	}
}

func run(cfg *config.Config) error {
	errFactory := errors.New()

	pidFile := pid.New(cfg.PIDDir)
	if err := pidFile.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Release(); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	tel, err := telemetry.NewService(telemetry.DefaultConfig())
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	store, err := storage.NewService(storage.Config{
		Enabled:         cfg.Storage.Enabled,
		DBPath:          cfg.Storage.DBPath,
		BatchSize:       cfg.Storage.BatchSize,
		FlushInterval:   cfg.Storage.FlushInterval,
		BackupOnMigrate: cfg.Storage.BackupOnMigrate,
	})
	if err != nil {
		return errFactory.Wrap(errors.ErrInitStorage, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close record storage")
		}
	}()

	fwd, err := newForwarders(cfg)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitForward, err)
	}
	defer func() {
		if err := fwd.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close forwarders")
		}
	}()

	reg := newRegistry(cfg, tel, store, fwd)
	tel.Watch(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := reg.Start(ctx); err != nil {
		if !errors.HasCode(err, registry.ErrNoDevicesReachable) {
			reg.Stop()
			return errFactory.Wrap(errors.ErrInitRegistry, err)
		}
		logger.Warn().Msg("No device reachable yet, waiting for discovery")
	}
	defer reg.Stop()

	if cfg.Status.Enabled {
		status := statusapi.New(statusapi.Config{
			Listen:  cfg.Status.Listen,
			Devices: reg,
			Records: store,
			Metrics: tel.Handler(),
		})
		if err := status.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := status.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Failed to stop status server")
			}
		}()
	}

	logger.Info().
		Int("devices", len(reg.Status())).
		Int("forwarders", fwd.Len()).
		Bool("storage", cfg.Storage.Enabled).
		Msg("Gateway running")

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")

	return nil
}

func newForwarders(cfg *config.Config) (*forward.Multi, error) {
	multi := forward.NewMulti()

	if cfg.Redis.Enabled {
		pub, err := forward.NewRedisPublisher(forward.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			List:     cfg.Redis.List,
			Keep:     cfg.Redis.Keep,
		})
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		if err := pub.Check(ctx); err != nil {
			logger.Warn().Str("addr", cfg.Redis.Addr).Err(err).Msg("Redis not reachable, publishing will be retried per record")
		}
		cancel()

		multi.Add(pub)
	}

	if cfg.AMQP.Enabled {
		pub, err := forward.NewAMQPPublisher(forward.AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		})
		if err != nil {
			return nil, err
		}
		multi.Add(pub)
	}

	return multi, nil
}

func newRegistry(cfg *config.Config, tel *telemetry.Service, store storage.Store, fwd *forward.Multi) *registry.Registry {
	devOpts := device.Options{Metrics: tel}

	protocols := registry.Protocols{
		Serial: tanita.Config{
			BaudRate:    cfg.Serial.BaudRate,
			ReadTimeout: cfg.Serial.ReadTimeout,
			Device:      devOpts,
		},
		HL7: hl7.Config{
			CommandPort:   cfg.HL7.CommandPort,
			NoCommandPort: cfg.HL7.CommandPort == 0,
			Device:        devOpts,
		},
	}

	declared := make([]registry.Descriptor, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		declared = append(declared, registry.Descriptor{
			Address:  d.Address,
			Kind:     device.ParseKind(d.Kind),
			Declared: true,
		})
	}

	regCfg := registry.Config{
		SerialPatterns:    cfg.Serial.Patterns,
		Declared:          declared,
		HealthInterval:    cfg.Registry.HealthInterval,
		ReconnectDelay:    cfg.Registry.ReconnectDelay,
		DiscoveryInterval: cfg.Serial.DiscoveryInterval,
		ErrorThreshold:    cfg.Registry.ErrorThreshold,
	}
	if cfg.HL7.Enabled {
		regCfg.HL7Address = hl7.Address(cfg.HL7.Host, cfg.HL7.DataPort)
	}

	opts := []registry.Option{
		registry.WithFactory(registry.DefaultFactory(protocols)),
		registry.WithProber(registry.SerialProber(cfg.Serial.BaudRate, cfg.Serial.ProbeTimeout, nil)),
		registry.WithSink(store),
		registry.WithMetrics(tel),
		registry.WithObserver(logPoorQuality),
	}
	if fwd.Len() > 0 {
		opts = append(opts, registry.WithSync(fwd))
	}

	return registry.New(regCfg, opts...)
}

func logPoorQuality(rec *measurement.Record) {
	if rec.Quality != measurement.QualityPoor {
		return
	}
	logger.Warn().
		Str("id", rec.ID).
		Str("device_id", rec.DeviceID).
		Float64("completeness", rec.Completeness).
		Int("issues", len(rec.Issues)).
		Msg("Poor quality measurement")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
