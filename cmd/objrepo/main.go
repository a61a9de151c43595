// objrepo manages objects in a replicated, versioned object repository.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information (set by ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "objrepo",
		Short: "Replicated, versioned object repository",
		Long: `objrepo stores JSON objects as immutable version files on several
storage backends at once. Writes must be confirmed by a quorum of backends,
reads return the newest version and repair stale backends in the background.

Every flag can also be set from the environment with the OBJREPO_ prefix,
e.g. OBJREPO_CONFIG=/etc/objrepo.yaml. A .env file in the working directory
is loaded first.

Examples:
  objrepo create users '{"username":"alice","email":"alice@example.com"}'
  objrepo get users alice
  objrepo find-by users email alice@example.com
  objrepo scrub --metrics-addr :9090`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initEnv(v, cmd); err != nil {
				return err
			}
			setupLogging(cmd.ErrOrStderr(), v.GetString("log-level"))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (overrides log_level from the config file)")

	rootCmd.AddCommand(
		newCreateCmd(v),
		newGetCmd(v),
		newExistsCmd(v),
		newUpdateCmd(v),
		newRemoveCmd(v),
		newPurgeCmd(v),
		newFindCmd(v),
		newFindByCmd(v),
		newVersionsCmd(v),
		newScrubCmd(v),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "objrepo %s\n", Version)
				_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
				_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			},
		},
	)
	return rootCmd
}

// initEnv loads .env files and binds flags and OBJREPO_* variables to v.
func initEnv(v *viper.Viper, cmd *cobra.Command) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("objrepo")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return v.BindPFlags(cmd.InheritedFlags())
}

func setupLogging(w io.Writer, logLevel string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}
