package main

import (
	"encoding/json"
	"fmt"
	"os"

	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/payrollrelay/payroll/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	var config payroll.Config
	var sub SubCommandArgs
	var configFile string

	// define root command
	rootCmd := &cobra.Command{
		Use:   "payroll",
		Short: "Payroll relay: composes, submits and tracks EVM payouts for the browser extension",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := LoadConfig(configFile, &config); err != nil {
				return err
			}
			applyFlags(cmd, &config)
			_, err := logger.Init(config)
			return err
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(0)
		},
	}

	// Add flags for the most common configuration options
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default: search for $PAYROLL_ENV or config.toml)")
	flags.String("network", "", "Chains entry used as the wallet provider")
	flags.String("webapi-port", "", "Relay API port")
	flags.String("webapi-bind", "", "Relay API bind address")
	flags.String("admin-port", "", "Admin API port")
	flags.String("store-backend", "", "Store backend: sqlite, postgres, leveldb, redis or memory")
	flags.String("store-db-file", "", "SQLite database file")
	flags.String("log-level", "", "Log level")
	flags.StringVar(&sub.RemoteAdminServer, "remote-admin", "", "Admin API base URL for CLI commands")
	viper.BindPFlags(flags)

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the payroll relay",
		Run: func(cmd *cobra.Command, args []string) {
			if err := Server(config); err != nil {
				zap.L().Fatal("server", zap.Error(err))
			}
		},
	}

	configCmd := &cobra.Command{
		Use:   "showconf",
		Short: "Print the config state and exit",
		Run: func(cmd *cobra.Command, args []string) {
			o, _ := json.MarshalIndent(config, ">", " ")
			fmt.Println(string(o))
			os.Exit(0)
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile pending transactions on a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Sweep(config, sub)
		},
	}

	transactionsCmd := &cobra.Command{
		Use:   "transactions",
		Short: "List transaction records of a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ListTransactions(config, sub)
		},
	}

	taskCmd := &cobra.Command{
		Use:   "task <name> [json payload]",
		Short: "Run one relay task on a running relay and print the response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := ""
			if len(args) == 2 {
				payload = args[1]
			}
			return RunTask(config, sub, args[0], payload)
		},
	}

	rootCmd.AddCommand(serverCmd, configCmd, sweepCmd, transactionsCmd, taskCmd)

	// Execute the Cobra command
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// LoadConfig finds the config file with viper (PAYROLL_ENV names it,
// default "config") unless one is given, then loads it with defaults and
// environment overrides applied.
func LoadConfig(configFile string, config *payroll.Config) error {
	if configFile == "" {
		configFileName, set := os.LookupEnv("PAYROLL_ENV")
		if set {
			viper.SetConfigName(configFileName)
		} else {
			viper.SetConfigName("config")
		}

		// Set config file name and search paths
		viper.SetConfigType("toml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/payroll/")
		viper.AddConfigPath("$HOME/.payroll")

		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to find config file: %w", err)
		}
		configFile = viper.ConfigFileUsed()
	}

	c, err := payroll.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", configFile, err)
	}
	*config = c
	return nil
}

// applyFlags overrides config with any flags set on the command line.
func applyFlags(cmd *cobra.Command, config *payroll.Config) {
	set := func(name string, dest *string) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dest = viper.GetString(name)
		}
	}
	set("network", &config.Payroll.Network)
	set("webapi-port", &config.WebAPI.Port)
	set("webapi-bind", &config.WebAPI.Bind)
	set("admin-port", &config.WebAPI.AdminPort)
	set("store-backend", &config.Store.Backend)
	set("store-db-file", &config.Store.DBFile)
	set("log-level", &config.Log.Level)
}
