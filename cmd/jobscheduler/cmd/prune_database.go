package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/dbcdk/dataio/internal/common/database"
	"github.com/dbcdk/dataio/internal/jobscheduler/completionlog"
)

func pruneDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneDatabase",
		Short: "removes old completed chunks from the database",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the job will fail if it has not completed")
	cmd.Flags().Duration(
		"expireAfter",
		0,
		"Length of time after completion that a chunk is forgotten (defaults to completionLog.retention)")
	return cmd
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	expireAfter, err := cmd.Flags().GetDuration("expireAfter")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}
	if expireAfter <= 0 {
		expireAfter = config.CompletionLog.Retention
	}
	if expireAfter <= 0 {
		return errors.New("no retention configured; set completionLog.retention or --expireAfter")
	}

	db, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return errors.WithMessagef(err, "Failed to connect to database")
	}
	defer db.Close()

	completions, err := completionlog.NewPostgresLog(db, 1, clock.RealClock{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	deleted, err := completions.Prune(ctx, expireAfter)
	if err != nil {
		return err
	}
	log.Infof("Removed %d completed chunks older than %s", deleted, expireAfter)
	return nil
}
