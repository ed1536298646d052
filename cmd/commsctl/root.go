package main

import (
	"strings"
	"time"

	"github.com/dkeye/Comms/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "commsctl",
		Short:         "Headless client for the Comms signaling relay.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			initConfig()
			if err := bindFlags(cmd.Flags()); err != nil {
				return err
			}
			if lvl, err := zerolog.ParseLevel(viper.GetString("log_level")); err == nil {
				zerolog.SetGlobalLevel(lvl)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./commsctl.yaml)")
	pf.String("relay", "ws://localhost:8080/api/ws/signal", "relay signal endpoint")
	pf.String("api", "http://localhost:8080", "REST backend base URL")
	pf.String("user", "", "identity to act as")
	pf.String("token", "", "identity token; minted from --jwt-secret when empty")
	pf.String("jwt-secret", "", "HS256 secret used to mint a token")
	pf.Int("max-room-size", 8, "largest mesh to build")
	pf.Duration("ring-timeout", 30*time.Second, "how long a call rings")
	pf.String("stun", "stun:stun.l.google.com:19302", "STUN server, empty for host candidates only")
	pf.String("log-level", "info", "zerolog level")

	root.AddCommand(newTokenCmd(), newJoinCmd(), newCallCmd(), newAnswerCmd())
	return root
}

// initConfig reads the config file, then COMMS_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("commsctl")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("using config file")
	}
}

// bindFlags exposes every flag to viper under its snake_case name, so
// --max-room-size, max_room_size in YAML and COMMS_MAX_ROOM_SIZE all agree.
func bindFlags(fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Name == "config" {
			return
		}
		err = viper.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return err
}
