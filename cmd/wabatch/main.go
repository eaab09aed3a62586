package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"wabatch/internal/app"
	"wabatch/internal/config"
)

const longHelp = `wabatch manages phone-number messaging sessions and sends rate-limited
message batches to recipient lists over HTTP.

Run "wabatch serve" to start the server; the other commands talk to a
running server.`

var exampleUsage = strings.TrimSpace(`
  wabatch serve --config ./config.yaml
  wabatch pair 628123456789
  wabatch send --number 628123456789 --numbers-file numbers.txt --message "Hello"
  wabatch watch 628123456789
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

type globals struct {
	cfgPath string
	envFile string
	server  string
	user    string
	noColor bool
}

func main() {
	g := &globals{}

	root := &cobra.Command{
		Use:           "wabatch",
		Short:         "Messaging session manager and batch sender",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setColor(g.noColor)
			if g.envFile == "" {
				return nil
			}
			if err := godotenv.Load(g.envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			// Flag defaults were read before the file was loaded.
			flags := cmd.Flags()
			if !flags.Changed("server") {
				g.server = envOr("WABATCH_SERVER", g.server)
			}
			if !flags.Changed("user") {
				g.user = envOr("WABATCH_USER", g.user)
			}
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.cfgPath, "config", "c", "./config.yaml", "path to config file (json, yaml or toml)")
	pf.StringVar(&g.envFile, "env-file", "", "load environment overrides from a dotenv file")
	pf.StringVar(&g.server, "server", envOr("WABATCH_SERVER", "http://127.0.0.1:3000"), "server base URL for client commands")
	pf.StringVar(&g.user, "user", os.Getenv("WABATCH_USER"), "user id sent as X-User-ID")
	pf.BoolVar(&g.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		serveCmd(g),
		configCmd(g),
		pairCmd(g),
		statusCmd(g),
		sessionsCmd(g),
		removeCmd(g),
		sendCmd(g),
		jobsCmd(g),
		cancelCmd(g),
		watchCmd(g),
		versionCmd(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		printErr(err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wabatch %s %s/%s %s\n", accent.Sprint(getVersion()), runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}

func serveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(g.cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if ctx.Err() == nil {
					reason = app.StopFatalError
				}
			}
			stopCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
			defer stop()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				if err := a.Err(); err != nil {
					return err
				}
				return errors.New("stopped after fatal error")
			}
			return nil
		},
	}
}

func configCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config file without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := config.NewConfigManager(g.cfgPath)
			cfg, err := m.Load()
			if err != nil {
				return err
			}
			r, err := config.Resolve(cfg)
			if err != nil {
				return err
			}
			ok.Printf("%s is valid\n", g.cfgPath)
			kv("http.addr", orDefault(cfg.HTTP.Addr, ":3000"))
			kv("auth_state.driver", orDefault(cfg.AuthState.Driver, "memory"))
			kv("directory.driver", orDefault(cfg.Directory.Driver, "static"))
			kv("transport.driver", orDefault(cfg.Transport.Driver, "loopback"))
			kv("dispatch.message_delay", r.MessageDelay.String())
			kv("sessions.reconnect_delay", r.ReconnectDelay.String())
			kv("notify.telegram", fmt.Sprint(cfg.Notify.Telegram.Enabled))
			kv("housekeeping", fmt.Sprint(cfg.Housekeeping.Enabled))
			return nil
		},
	})
	return cmd
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
