package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"codeberg.org/mutker/bmcctl/internal/errors"
	"codeberg.org/mutker/bmcctl/internal/history"
	"codeberg.org/mutker/bmcctl/internal/httpapi"
	"codeberg.org/mutker/bmcctl/internal/logger"
	"codeberg.org/mutker/bmcctl/internal/pid"
	"codeberg.org/mutker/bmcctl/internal/poller"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newMonitorCommand(a *app) *cobra.Command {
	var pidPath string

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll the BMC continuously, optionally recording history and serving a local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go handleSignals(ctx, cancel)

			return runMonitor(ctx, a, pid.New(pidPath))
		},
	}

	cmd.Flags().StringVar(&pidPath, "pid-file", pid.DefaultPath(), "PID file guarding against a second monitor")
	return cmd
}

func runMonitor(ctx context.Context, a *app, pidFile *pid.File) error {
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	if err := a.open(); err != nil {
		return err
	}

	recorder, err := history.NewService(history.Config{
		DBPath:       a.cfg.HistoryDB,
		BatchSize:    a.cfg.HistoryBatchSize,
		BatchTimeout: a.cfg.HistoryBatchTimeout,
		Enabled:      a.cfg.History,
	}, logger.New("history"))
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			a.log.Error().Err(err).Msg("Failed to close history")
		}
	}()

	p := poller.New(a.client, a.store, poller.Options{
		Interval:    a.cfg.Interval,
		PowerSettle: a.cfg.PowerSettle,
		FanSettle:   a.cfg.FanSettle,
		Recorder:    recorder,
	}, logger.New("poller"))
	defer p.Close()

	if a.cfg.Listen != "" {
		srv := httpapi.NewServer(a.cfg.Listen, p, logger.New("httpapi"))
		if _, err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Error().Err(err).Msg("Failed to stop HTTP API")
			}
		}()
	}

	updates, unsubscribe := p.Subscribe()
	defer unsubscribe()

	if err := a.client.Restore(ctx); err != nil {
		return err
	}
	if !p.AttemptAutoLogin(ctx) {
		if a.cfg.Address == "" || a.cfg.Username == "" || a.cfg.Password == "" {
			return errors.New().New(errors.ErrNoSession)
		}
		if err := p.Login(ctx, a.cfg.Address, a.cfg.Username, a.cfg.Password); err != nil {
			return err
		}
	}

	a.log.Info().
		Str("address", p.Snapshot().Address).
		Dur("interval", a.cfg.Interval).
		Bool("history", a.cfg.History).
		Str("listen", a.cfg.Listen).
		Msg("Monitoring")

	var lastUpdated time.Time
	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("Exiting...")
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if snap.State == poller.LoggedOut && !snap.Loading {
				return errors.New().New(errors.ErrUnauthorized)
			}
			if snap.LastUpdated != nil && snap.LastUpdated.After(lastUpdated) {
				lastUpdated = *snap.LastUpdated
				logSnapshot(a.log, snap)
			}
		}
	}
}

func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		logger.Info().Msg("Received termination signal.")
		cancel()
	case <-ctx.Done():
	}
}

func logSnapshot(log logger.Logger, snap poller.Snapshot) {
	event := log.Info().Event.Str("state", snap.State.String())

	if snap.Power != nil {
		event = event.Bool("power_on", snap.Power.PowerOn())
	}
	if snap.Fans != nil {
		event = event.Str("fan_mode", string(snap.Fans.ControlMode)).Int("fans_power", snap.Fans.FansPower)
	}
	if snap.PSU != nil {
		event = event.Int("power_draw", snap.PSU.PresentPowerReading).
			Int("psu_in", snap.PSU.TotalInputPower()).
			Int("psu_out", snap.PSU.TotalOutputPower())
	}
	for _, cpu := range snap.CPUTemps {
		event = event.Float64("cpu"+strconv.Itoa(cpu.CPUIndex)+"_temp", cpu.TemperatureC)
	}

	event.Msg("")
}
