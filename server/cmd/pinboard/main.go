package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pinboard/server/internal/backend"
	"pinboard/server/internal/config"
	"pinboard/server/internal/interaction"
	"pinboard/server/internal/logging"
	"pinboard/server/internal/session"
	"pinboard/server/internal/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pinboard",
	Short: "pinboard - session and interaction core for the pin-sharing app",
	Long: `pinboard keeps the signed-in session and pin interactions (likes, comments,
reports) in sync with the REST backend.

Run "pinboard serve" to expose the core to a local UI over HTTP and WebSocket,
or use the subcommands to act from the terminal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config (defaults + env when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Timeout for one-shot commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd)
	rootCmd.AddCommand(pinsCmd, likeCmd, commentCmd, reportCmd, uploadCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app 把各组件按依赖顺序装配起来：存储 -> 后端客户端 -> 会话 -> 交互协调器。
type app struct {
	creds   storage.CredentialStore
	client  *backend.Client
	session *session.Store
	coord   *interaction.Coordinator
}

func newApp() (*app, error) {
	creds, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	client, err := backend.NewClient(cfg.API, logger)
	if err != nil {
		_ = creds.Close()
		return nil, err
	}
	sess := session.New(client, creds, logger)
	client.Use(sess)
	client.OnUnauthorized(sess.HandleSessionExpired)

	return &app{
		creds:   creds,
		client:  client,
		session: sess,
		coord:   interaction.New(client, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.creds.Close(); err != nil {
		logger.Warn("close credential store", zap.Error(err))
	}
}

// commandContext 为一次性命令创建带超时、可被 Ctrl-C 取消的 ctx。
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}
