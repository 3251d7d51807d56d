package test

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	repository        = "postgres"
	containerVersion  = "16-alpine"
	containerAutoKill = 120 // seconds

	port     = 5432
	user     = "postgres"
	password = "postgres"
	dbName   = "iap"
)

// StartPostgresDB starts a throwaway Postgres container and returns its
// connection url.
func StartPostgresDB(pool *dockertest.Pool) (databaseUrl string, err error) {
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: repository,
		Tag:        containerVersion,
		Env: []string{
			"POSTGRES_USER=" + user,
			"POSTGRES_PASSWORD=" + password,
			"POSTGRES_DB=" + dbName,
		},
		ExposedPorts: []string{fmt.Sprintf("%d/tcp", port)},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", errors.Wrap(err, "could not start postgres container")
	}

	if err := resource.Expire(containerAutoKill); err != nil {
		return "", errors.Wrap(err, "could not set container expiry")
	}

	hostAndPort := resource.GetHostPort(fmt.Sprintf("%d/tcp", port))
	databaseUrl = fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, hostAndPort, dbName)

	return databaseUrl, nil
}

// WaitForConnection retries until the database accepts connections. The
// returned function closes the connection.
func WaitForConnection(databaseUrl string, verbose bool) (*sql.DB, func(), error) {
	log := logrus.StandardLogger()

	pool, err := dockertest.NewPool("")
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not connect to docker")
	}
	pool.MaxWait = 60 * time.Second

	var db *sql.DB
	err = pool.Retry(func() error {
		db, err = sql.Open("pgx", databaseUrl)
		if err != nil {
			return err
		}

		if err := db.Ping(); err != nil {
			if verbose {
				log.WithError(err).Info("Waiting for postgres")
			}
			db.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not connect to postgres")
	}

	disconnect := func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("Failed to close postgres connection")
		}
	}

	return db, disconnect, nil
}
