package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dbcdk/dataio/internal/common/util"
	"github.com/dbcdk/dataio/internal/jobscheduler"
	"github.com/dbcdk/dataio/internal/jobscheduler/configuration"
	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

const (
	sourceApi   = "api"
	sourceDb    = "db"
	sourceRedis = "redis"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "prints the number of tracked chunks per sink and status",
		RunE:  printStatus,
	}
	cmd.Flags().String(
		"source",
		sourceApi,
		"Where to read the status from: api (a running scheduler), db (the dependencytracking table) or redis (the last published snapshot)")
	cmd.Flags().String(
		"url",
		"",
		"Base url of the scheduler when source is api (defaults to http://localhost:<http.port>)")
	cmd.Flags().IntSlice(
		"sink",
		[]int{},
		"Only show these sinks (repeat this arg or separate ids with commas)")
	cmd.Flags().Duration(
		"timeout",
		30*time.Second,
		"Duration after which the command will fail if it has not completed")
	return cmd
}

func printStatus(cmd *cobra.Command, _ []string) error {
	source, err := cmd.Flags().GetString("source")
	if err != nil {
		return errors.WithStack(err)
	}
	baseUrl, err := cmd.Flags().GetString("url")
	if err != nil {
		return errors.WithStack(err)
	}
	sinkIds, err := cmd.Flags().GetIntSlice("sink")
	if err != nil {
		return errors.WithStack(err)
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}
	if len(sinkIds) == 0 {
		for _, sink := range config.Sinks {
			sinkIds = append(sinkIds, sink.Id)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var statuses []jobscheduler.SinkStatus
	switch source {
	case sourceApi:
		if baseUrl == "" {
			baseUrl = fmt.Sprintf("http://localhost:%d", config.Http.Port)
		}
		statuses, err = statusFromApi(ctx, baseUrl, sinkIds)
	case sourceDb:
		statuses, err = statusFromDb(ctx, config, sinkIds)
	case sourceRedis:
		statuses, err = statusFromRedis(config, sinkIds)
	default:
		return errors.Errorf("unknown source %q; valid sources are %s, %s and %s", source, sourceApi, sourceDb, sourceRedis)
	}
	if err != nil {
		return err
	}
	renderSinkStatuses(cmd.OutOrStdout(), statuses, source != sourceDb)
	return nil
}

func statusFromApi(ctx context.Context, baseUrl string, sinkIds []int) ([]jobscheduler.SinkStatus, error) {
	query := url.Values{}
	for _, sinkId := range sinkIds {
		query.Add("sink", strconv.Itoa(sinkId))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseUrl+"/api/v1/sinks/status?"+query.Encode(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, errors.Errorf("scheduler responded %s: %s", resp.Status, body["error"])
	}
	var statuses []jobscheduler.SinkStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, errors.WithStack(err)
	}
	return statuses, nil
}

func statusFromDb(ctx context.Context, config configuration.Configuration, sinkIds []int) ([]jobscheduler.SinkStatus, error) {
	reporter, err := dependencytracking.OpenReporter(config.Postgres)
	if err != nil {
		return nil, err
	}
	defer util.CloseResource("reporter", reporter)

	sinks, err := config.SinkById()
	if err != nil {
		return nil, err
	}
	counts, err := reporter.StatusCounts(ctx, sinkIds...)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	statuses := make([]jobscheduler.SinkStatus, 0, len(sinkIds))
	for _, sinkId := range sinkIds {
		jobs, err := reporter.JobCounts(ctx, sinkId)
		if err != nil {
			return nil, err
		}
		status := jobscheduler.SinkStatus{
			SinkId:   sinkId,
			Name:     sinks[sinkId].Name,
			Statuses: make(map[string]int),
			Jobs:     jobs.Jobs,
			Chunks:   jobs.Chunks,
			Updated:  now,
		}
		for _, s := range dependencytracking.ChunkSchedulingStatuses() {
			status.Statuses[s.String()] = counts[sinkId][s]
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func statusFromRedis(config configuration.Configuration, sinkIds []int) ([]jobscheduler.SinkStatus, error) {
	db := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	defer util.CloseResource("redis client", db)

	statuses := make([]jobscheduler.SinkStatus, 0, len(sinkIds))
	for _, sinkId := range sinkIds {
		status, err := jobscheduler.ReadSinkStatus(db, sinkId)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *status)
	}
	return statuses, nil
}

func renderSinkStatuses(out io.Writer, statuses []jobscheduler.SinkStatus, withInFlight bool) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.Style().Format.Header = text.FormatDefault

	header := table.Row{"Sink", "Name"}
	for _, s := range dependencytracking.ChunkSchedulingStatuses() {
		header = append(header, s.String())
	}
	header = append(header, "In flight", "Jobs", "Chunks", "Updated")
	t.AppendHeader(header)

	for _, status := range statuses {
		row := table.Row{status.SinkId, status.Name}
		for _, s := range dependencytracking.ChunkSchedulingStatuses() {
			row = append(row, status.Statuses[s.String()])
		}
		var inFlight interface{} = "-"
		if withInFlight {
			inFlight = status.InFlight
		}
		row = append(row, inFlight, status.Jobs, status.Chunks, status.Updated.Format(time.RFC3339))
		t.AppendRow(row)
	}
	t.Render()
}
