package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Krx-21/BotCareU-sub001/common/logger"
	"github.com/Krx-21/BotCareU-sub001/internal/backoff"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
	"github.com/Krx-21/BotCareU-sub001/internal/reducer"
	"github.com/Krx-21/BotCareU-sub001/internal/syncclient"
)

var watchOpts struct {
	server       string
	api          string
	token        string
	devices      []string
	pollInterval time.Duration
	maxAttempts  int
	logLevel     string
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow devices in realtime",
	Long:  `Connect to the realtime gateway, join the given device rooms and print every change to the merged client view`,
	RunE:  runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.StringVar(&watchOpts.server, "server", envOr("BOTCAREU_WS_URL", "ws://localhost:8080/ws"), "realtime gateway URL")
	f.StringVar(&watchOpts.api, "api", envOr("BOTCAREU_API_URL", "http://localhost:8080"), "REST API base URL for snapshots")
	f.StringVar(&watchOpts.token, "token", os.Getenv("BOTCAREU_TOKEN"), "bearer token")
	f.StringSliceVar(&watchOpts.devices, "device", nil, "device id to follow (repeatable)")
	f.DurationVar(&watchOpts.pollInterval, "poll-interval", 30*time.Second, "snapshot poll interval")
	f.IntVar(&watchOpts.maxAttempts, "max-attempts", 5, "reconnect attempts before giving up")
	f.StringVar(&watchOpts.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "debug, info, warn or error")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchOpts.token == "" {
		return errors.New("--token or BOTCAREU_TOKEN is required")
	}

	log, err := logger.NewLogger(logger.Options{
		Level:       watchOpts.logLevel,
		Format:      "console",
		ServiceName: "botcareu-client",
	})
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := reducer.NewStore(func(state reducer.ClientState, change reducer.Change) {
		for _, id := range change.Devices {
			logDevice(log, state.Devices[id])
		}
		for _, id := range change.Notifications {
			n := state.Notifications[id]
			log.Info("Notification",
				zap.String("id", n.ID),
				zap.String("type", string(n.Type)),
				zap.String("priority", string(n.Priority)),
				zap.String("title", n.Title),
				zap.Bool("read", n.IsRead),
				zap.Bool("archived", n.IsArchived),
			)
		}
	})

	machine := syncclient.New(syncclient.Config{
		Backoff:     backoff.Policy{Base: time.Second, Max: 30 * time.Second},
		MaxAttempts: watchOpts.maxAttempts,
	}, syncclient.NewWebSocketDialer(watchOpts.server, 0), func(ev models.Event) {
		store.Apply(reducer.FromEvent(ev))
	}, log)
	poller := syncclient.NewPoller(watchOpts.api, watchOpts.token, watchOpts.pollInterval, store, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := machine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return poller.Run(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case tr := <-machine.Transitions():
				fields := []zap.Field{
					zap.String("from", tr.From.String()),
					zap.String("to", tr.To.String()),
					zap.Int("attempt", tr.Attempt),
				}
				if tr.Err != nil {
					fields = append(fields, zap.Error(tr.Err))
				}
				log.Info("Connection state", fields...)
			case err := <-machine.Errors():
				return err
			}
		}
	})

	for _, id := range watchOpts.devices {
		machine.Join(id)
	}
	machine.Connect(watchOpts.token)

	if err := g.Wait(); err != nil {
		if errors.Is(err, syncclient.ErrConnectionExhausted) || errors.Is(err, syncclient.ErrAuthFailure) {
			log.Error("Giving up", zap.Error(err))
		}
		return err
	}
	return nil
}

func logDevice(log *zap.Logger, d reducer.DeviceView) {
	fields := []zap.Field{
		zap.String("device_id", d.DeviceID),
		zap.String("status", string(d.Status)),
		zap.Time("updated_at", d.UpdatedAt()),
	}
	if d.Temperature != nil {
		fields = append(fields, zap.Float64("temperature", *d.Temperature))
	}
	if d.FeverDetected {
		fields = append(fields, zap.String("fever", string(d.FeverSeverity)))
	}
	if d.BatteryLevel != nil {
		fields = append(fields, zap.Int("battery", *d.BatteryLevel))
	}
	if d.SignalStrength != nil {
		fields = append(fields, zap.Int("signal", *d.SignalStrength))
	}
	log.Info("Device", fields...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
