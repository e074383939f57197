package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dbcdk/dataio/internal/common/database"
	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the job scheduler database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning job scheduler database migration")
	db, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return errors.WithMessagef(err, "Failed to connect to database")
	}
	defer db.Close()

	migrations, err := dependencytracking.Migrations()
	if err != nil {
		return err
	}
	err = database.UpdateDatabase(context.Background(), db, migrations)
	if err != nil {
		return errors.WithMessagef(err, "Failed to migrate job scheduler database")
	}
	taken := time.Since(start)
	log.Infof("Job scheduler database migrated in %s", taken)
	return nil
}
