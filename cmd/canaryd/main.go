// Command canaryd runs a SecuraCV Canary witness device on a host, with a
// local operator API, and provides the offline tools that go with it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kmay89/securacv-canary/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	config string
	v      *viper.Viper
}

// load reads the configuration file named by --config, layered under the
// environment and any flags bound to f.v.
func (f *rootFlags) load() (config.Config, error) {
	return config.Load(f.v, f.config)
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{v: config.New()}
	cmd := &cobra.Command{
		Use:   filepath.Base(os.Args[0]),
		Short: "SecuraCV Canary witness device",
		Args:  cobra.NoArgs,
		// Errors are printed once by main.
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "TOML configuration file")

	cmd.AddCommand(
		newRunCmd(flags),
		newCollectCmd(flags),
		newVerifyCmd(flags),
		newIdentityCmd(flags),
		newConfigCmd(),
	)
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sample",
		Short: "Print a sample configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.WriteSample(cmd.OutOrStdout())
		},
	})
	return cmd
}
