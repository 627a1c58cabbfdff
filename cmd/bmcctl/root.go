package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"codeberg.org/mutker/bmcctl/internal/bmc"
	"codeberg.org/mutker/bmcctl/internal/config"
	"codeberg.org/mutker/bmcctl/internal/errors"
	"codeberg.org/mutker/bmcctl/internal/history"
	"codeberg.org/mutker/bmcctl/internal/logger"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const defaultHistoryLimit = 20

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "bmcctl",
		Short:         "Monitor and control servers through their BMC web API",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.New("bmcctl")
			a.log.Debug().Str("command", cmd.Name()).Msg("Config loaded")
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}

	config.RegisterFlags(root.PersistentFlags())
	root.PersistentFlags().Bool("json", false, "Print results as JSON")

	root.AddCommand(
		newLoginCommand(a),
		newLogoutCommand(a),
		newStatusCommand(a),
		newPowerCommand(a),
		newFanCommand(a),
		newPSUCommand(a),
		newSensorsCommand(a),
		newHistoryCommand(a),
		newMonitorCommand(a),
	)

	return root
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func newLoginCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login [address] [username]",
		Short: "Log in to a BMC and remember the credentials",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, username, password := a.cfg.Address, a.cfg.Username, a.cfg.Password
			if len(args) > 0 {
				address = args[0]
			}
			if len(args) > 1 {
				username = args[1]
			}
			if address == "" || username == "" {
				return errors.New().WithMessage(errors.ErrMissingConfig, "address and username are required")
			}

			if password == "" {
				var err error
				if password, err = readPassword(cmd); err != nil {
					return err
				}
			}

			if err := a.open(); err != nil {
				return err
			}

			resp, err := a.client.Login(cmd.Context(), address, username, password)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s (%s)\n", a.client.Session().Address, resp.ServerName)
			return nil
		},
	}
}

func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", errors.New().Wrap(errors.ErrInvalidArgument, err)
		}
		return string(data), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New().WithMessage(errors.ErrMissingConfig, "password is required")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLogoutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the BMC session and forget stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			if err := a.client.Restore(cmd.Context()); err != nil {
				return err
			}
			if err := a.client.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Fetch power, fan, PSU and CPU temperature readings once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.session(ctx); err != nil {
				return err
			}

			p := a.newPoller()
			defer p.Close()

			p.FetchAll(ctx)
			snap := p.Snapshot()

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			if snap.ErrorMessage != nil {
				return errors.New().WithMessage(errors.ErrOperationFailed, *snap.ErrorMessage)
			}
			return nil
		},
	}
}

func newPowerCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "power",
		Short: "Chassis power",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show chassis power state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.session(ctx); err != nil {
				return err
			}

			var status bmc.PowerStatus
			err := a.call(ctx, func(ctx context.Context) error {
				var err error
				status, err = a.client.GetPowerStatus(ctx)
				return err
			})
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printPower(cmd.OutOrStdout(), status)
			return nil
		},
	}, &cobra.Command{
		Use:   "on",
		Short: "Power the chassis on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.session(ctx); err != nil {
				return err
			}

			p := a.newPoller()
			defer p.Close()

			if err := p.PowerOn(ctx); err != nil {
				return err
			}

			snap := p.Snapshot()
			if snap.Power != nil {
				printPower(cmd.OutOrStdout(), *snap.Power)
			}
			return nil
		},
	})

	return cmd
}

func newFanCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fan",
		Short: "Fan information and control",
	}

	printFans := func(cmd *cobra.Command, info bmc.FanInfo) error {
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), info)
		}
		printFanInfo(cmd.OutOrStdout(), info)
		return nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show fan speeds and control mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.session(ctx); err != nil {
				return err
			}

			var info bmc.FanInfo
			err := a.call(ctx, func(ctx context.Context) error {
				var err error
				info, err = a.client.GetFanInfo(ctx)
				return err
			})
			if err != nil {
				return err
			}
			return printFans(cmd, info)
		},
	}, &cobra.Command{
		Use:   "set <fan-id> <duty>",
		Short: "Set one fan's duty cycle (0-100)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInt(args[0], "fan id")
			if err != nil {
				return err
			}
			duty, err := parseInt(args[1], "duty")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := a.session(ctx); err != nil {
				return err
			}

			p := a.newPoller()
			defer p.Close()

			if err := p.SetFanSpeed(ctx, id, duty); err != nil {
				return err
			}
			if fans := p.Snapshot().Fans; fans != nil {
				return printFans(cmd, *fans)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "set-all <duty>",
		Short: "Set every present fan's duty cycle (0-100)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			duty, err := parseInt(args[0], "duty")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := a.session(ctx); err != nil {
				return err
			}

			p := a.newPoller()
			defer p.Close()

			p.FetchAll(ctx)
			err = p.SetAllFanSpeeds(ctx, duty)
			if fans := p.Snapshot().Fans; fans != nil {
				if perr := printFans(cmd, *fans); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}, &cobra.Command{
		Use:       "mode [auto|manual]",
		Short:     "Show or set the fan control mode",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(bmc.FanModeAuto), string(bmc.FanModeManual)},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.session(ctx); err != nil {
				return err
			}

			if len(args) == 1 {
				mode := bmc.FanMode(args[0])
				if !mode.IsValid() {
					return errors.New().WithData(errors.ErrInvalidArgument, args[0])
				}

				p := a.newPoller()
				defer p.Close()
				if err := p.SetFanMode(ctx, mode); err != nil {
					return err
				}
			}

			var setting bmc.FanModeSetting
			err := a.call(ctx, func(ctx context.Context) error {
				var err error
				setting, err = a.client.GetFanMode(ctx)
				return err
			})
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), setting)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fan mode: %s\n", setting.ControlMode)
			return nil
		},
	})

	return cmd
}

func newPSUCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "psu",
		Short: "Show power supply readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.session(ctx); err != nil {
				return err
			}

			var info bmc.PSUInfo
			err := a.call(ctx, func(ctx context.Context) error {
				var err error
				info, err = a.client.GetPSUInfo(ctx)
				return err
			})
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), info)
			}
			printPSUInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newSensorsCommand(a *app) *cobra.Command {
	var cpuOnly bool

	cmd := &cobra.Command{
		Use:   "sensors",
		Short: "List sensor readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.session(ctx); err != nil {
				return err
			}

			var sensors []bmc.Sensor
			err := a.call(ctx, func(ctx context.Context) error {
				var err error
				sensors, err = a.client.GetSensors(ctx)
				return err
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if cpuOnly {
				temps := bmc.CPUTemperatures(sensors)
				if jsonOutput(cmd) {
					return printJSON(out, temps)
				}
				printCPUTemps(out, temps)
				return nil
			}

			if jsonOutput(cmd) {
				return printJSON(out, sensors)
			}
			printSensors(out, sensors)
			return nil
		},
	}

	cmd.Flags().BoolVar(&cpuOnly, "cpu", false, "Only show per-CPU temperatures")
	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded telemetry samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := history.NewRepository(history.Config{
				DBPath:       a.cfg.HistoryDB,
				BatchSize:    a.cfg.HistoryBatchSize,
				BatchTimeout: a.cfg.HistoryBatchTimeout,
				Enabled:      true,
			}, logger.New("history"))
			if err != nil {
				return err
			}
			defer repo.Close()

			samples, err := repo.Recent(limit)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), samples)
			}
			printHistory(cmd.OutOrStdout(), samples)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", defaultHistoryLimit, "Number of samples to show")
	return cmd
}

func parseInt(s, what string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New().WithData(errors.ErrInvalidArgument, what+" "+strconv.Quote(s))
	}
	return n, nil
}
