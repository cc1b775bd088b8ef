package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/airframesio/data-checker/cmd/importers"
	"github.com/airframesio/data-checker/cmd/reconcile"
	"github.com/airframesio/data-checker/cmd/sqlbuilder"
	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

// driverName maps a configured driver to its database/sql driver name
func driverName(driver string) (string, error) {
	switch driver {
	case "postgres", "postgresql", "pq":
		return "postgres", nil
	case "sqlserver", "mssql":
		return "sqlserver", nil
	default:
		return "", fmt.Errorf("%w: '%s'", ErrDatabaseDriverInvalid, driver)
	}
}

// defaultPort is the port a driver listens on out of the box
func defaultPort(driver string) int {
	if name, err := driverName(driver); err == nil && name == "postgres" {
		return 5432
	}
	return 1433
}

// quoteDSNValue single-quotes a key/value DSN value when it is empty or holds
// whitespace, quotes or backslashes
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\r'\\") {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// dataSourceName builds the connection string for a database
func dataSourceName(c DatabaseConfig) (string, string, error) {
	name, err := driverName(c.Driver)
	if err != nil {
		return "", "", err
	}

	if name == "postgres" {
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			quoteDSNValue(c.Host), c.Port, quoteDSNValue(c.User), quoteDSNValue(c.Password),
			quoteDSNValue(c.Name), quoteDSNValue(sslMode))
		// lib/pq passes unknown keys on as run-time parameters
		if c.StatementTimeout > 0 {
			dsn += fmt.Sprintf(" statement_timeout=%d", c.StatementTimeout*1000)
		}
		return name, dsn, nil
	}

	query := url.Values{}
	query.Set("database", c.Name)
	query.Set("app name", "data-checker")
	switch c.SSLMode {
	case "", "disable":
		query.Set("encrypt", "disable")
	case "require":
		query.Set("encrypt", "true")
		query.Set("TrustServerCertificate", "true")
	default:
		query.Set("encrypt", "true")
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		RawQuery: query.Encode(),
	}
	return name, u.String(), nil
}

// openDatabase opens a connection pool and pings it, retrying as configured
func openDatabase(ctx context.Context, side string, c DatabaseConfig, poolSize int, logger *slog.Logger) (*sql.DB, error) {
	name, dsn, err := dataSourceName(c)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", side, err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(c.MaxRetries)+1),
		retry.Delay(time.Duration(c.RetryDelay)*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if int(n) < c.MaxRetries {
				logger.Warn(fmt.Sprintf("⚠️  Connection to %s database failed (attempt %d/%d): %v", side, n+1, c.MaxRetries+1, err))
			}
		}),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database %s@%s: %w", side, c.Name, c.Host, err)
	}

	if name == "sqlserver" && c.StatementTimeout > 0 {
		logger.Debug(fmt.Sprintf("SQL Server has no statement timeout setting, %s queries run until cancelled", side))
	}
	logger.Info(fmt.Sprintf("✅ Connected to %s database %s@%s:%d (%s)", side, c.Name, c.Host, c.Port, name))
	return db, nil
}

// dbConnector hands every mapping its own connection from a shared pool. All
// sessions of one side share a circuit breaker.
type dbConnector struct {
	db      *sql.DB
	origin  reconcile.Origin
	dialect sqlbuilder.Dialect
	breaker *importers.Breaker
	logger  *slog.Logger
}

func newConnector(db *sql.DB, origin reconcile.Origin, c DatabaseConfig, logger *slog.Logger) (*dbConnector, error) {
	dialect, err := sqlbuilder.ForDriver(c.Driver, c.Name)
	if err != nil {
		return nil, err
	}
	return &dbConnector{
		db:      db,
		origin:  origin,
		dialect: dialect,
		breaker: importers.NewBreaker(origin.String(), importers.DefaultBreakerSettings, logger),
		logger:  logger,
	}, nil
}

func (c *dbConnector) Connect(ctx context.Context) (reconcile.Session, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to acquire %s connection: %w", reconcile.ErrDataAccess, c.origin, err)
	}
	exec := importers.NewSQLExecutor(conn, c.origin, c.dialect, c.logger)
	return &connSession{Executor: c.breaker.Wrap(exec), conn: conn}, nil
}

// Counter counts rows on the pool rather than on a mapping's connection
func (c *dbConnector) Counter() reconcile.Counter {
	exec := importers.NewSQLExecutor(c.db, c.origin, c.dialect, c.logger)
	if counter, ok := c.breaker.Wrap(exec).(reconcile.Counter); ok {
		return counter
	}
	return exec
}

type connSession struct {
	reconcile.Executor
	conn *sql.Conn
}

func (s *connSession) Close() error {
	return s.conn.Close()
}

// newUploader creates an S3 uploader for archives
func newUploader(c S3Config) (s3manageriface.UploaderAPI, error) {
	cfg := &aws.Config{
		Region:           aws.String(c.Region),
		Credentials:      credentials.NewStaticCredentials(c.AccessKey, c.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}
	if c.Endpoint != "" {
		cfg.Endpoint = aws.String(c.Endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return s3manager.NewUploader(sess), nil
}
