package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dbcdk/dataio/internal/common"
	commonconfig "github.com/dbcdk/dataio/internal/common/config"
	"github.com/dbcdk/dataio/internal/jobscheduler/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "jobscheduler",
		SilenceUsage: true,
		Short:        "Schedules chunks of dataio jobs for delivery to sinks",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		pruneDbCmd(),
		statusCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/jobscheduler", userSpecifiedConfigs)

	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
