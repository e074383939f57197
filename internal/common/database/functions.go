package database

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	commonconfig "github.com/dbcdk/dataio/internal/common/config"
)

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		result += k + "='" + replacer.Replace(v) + "' "
	}
	return strings.TrimSpace(result)
}

func OpenPgxPool(config commonconfig.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = config.MaxOpenConns
	}
	db, err := pgxpool.ConnectConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = db.Ping(context.Background())
	return db, errors.WithStack(err)
}

func OpenPgxConn(config commonconfig.PostgresConfig) (*pgx.Conn, error) {
	db, err := pgx.Connect(context.Background(), CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = db.Ping(context.Background())
	return db, errors.WithStack(err)
}
