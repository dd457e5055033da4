// Package cli wires the command line surface of the daemon.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Biometria-se/grizzly-sub007/internal/daemon"
	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
	"github.com/Biometria-se/grizzly-sub007/internal/router"
)

var (
	bind    string
	verbose bool
	quiet   bool
)

// rootCmd runs the daemon; there is no other mode of operation.
var rootCmd = &cobra.Command{
	Use:   "async-messaged",
	Short: "Broker framed JSON requests between load-test clients and messaging workers",
	Long: `async-messaged brokers framed JSON requests from load-test clients to
per-client workers, each owning one IBM MQ or Azure Service Bus
connection. Clients connect over ZeroMQ to the bind address and are
pinned to a worker per (client, url scheme) pair.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		level := logger.LevelFromEnv()
		switch {
		case verbose:
			level = slog.LevelDebug
		case quiet:
			level = slog.LevelError
		}

		hostname, err := os.Hostname()
		if err != nil {
			hostname = "localhost"
		}

		if err := logger.Init(logger.Config{
			Level:    level,
			Verbose:  verbose,
			Dir:      logger.DirFromEnv(),
			Hostname: hostname,
		}); err != nil {
			return err
		}

		if code := daemon.Run(cmd.Context(), viper.GetString("bind")); code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

// Execute runs the root command; called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().StringVar(&bind, "bind", router.DefaultBind, "frontend bind address for clients")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet output (errors only)")

	viper.SetEnvPrefix("GRIZZLY")
	viper.AutomaticEnv()

	_ = viper.BindPFlag("bind", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}
