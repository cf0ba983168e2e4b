package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"llmrelay-go/internal/errors"
	"llmrelay-go/internal/storage/migrations"
)

const (
	// opTimeout caps every individual DB operation.
	opTimeout = 5 * time.Second
	// retryBackoff is the single-retry delay on write failure.
	retryBackoff = 50 * time.Millisecond
	// maxOpenConns is the process-global connection cap.
	maxOpenConns = 8
)

// DBLayer mirrors the credential pools and the config blob into a relational
// database. The vendor is picked from the URL scheme.
type DBLayer struct {
	db      *sql.DB
	dialect dialect
	rawURL  string
	metrics writeMetrics

	stmts statements
}

// OpenDB connects, applies pending migrations, and returns the layer.
func OpenDB(ctx context.Context, rawURL string) (*DBLayer, error) {
	d, dsn, err := detectDialect(rawURL)
	if err != nil {
		return nil, err
	}

	driverName := map[dialect]string{
		dialectSQLite:   "sqlite",
		dialectPostgres: "postgres",
		dialectMySQL:    "mysql",
	}[d]

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d, err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", d, err)
	}

	l := &DBLayer{db: db, dialect: d, rawURL: rawURL}
	l.stmts = buildStatements(d)

	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("storage: %s database ready (%s)", d, maskURL(rawURL))
	return l, nil
}

func (l *DBLayer) migrate() error {
	src, err := iofs.New(migrations.FS, l.dialect.String())
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	var driver database.Driver
	switch l.dialect {
	case dialectPostgres:
		driver, err = migratepg.WithInstance(l.db, &migratepg.Config{})
	case dialectMySQL:
		driver, err = migratemysql.WithInstance(l.db, &migratemysql.Config{})
	default:
		driver, err = migratesqlite.WithInstance(l.db, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, l.dialect.String(), driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (l *DBLayer) Enabled() bool { return true }
func (l *DBLayer) Mode() string  { return "db" }

// write runs fn with the per-op timeout, retrying once after a short backoff,
// and feeds the status metrics.
func (l *DBLayer) write(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	run := func() error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return fn(opCtx)
	}

	err := run()
	if err != nil {
		l.metrics.recordRetry()
		log.WithError(err).Debugf("storage: %s failed, retrying once", op)
		time.Sleep(retryBackoff)
		err = run()
	}
	if err != nil {
		l.metrics.recordError(err)
		return &errors.DatabaseError{Op: op, Err: err}
	}
	l.metrics.record(time.Since(start).Nanoseconds(), time.Now().Unix())
	return nil
}

func (l *DBLayer) read(ctx context.Context, op string, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := fn(opCtx); err != nil {
		return &errors.DatabaseError{Op: op, Err: err}
	}
	return nil
}

// Status pings the DB and reports the write metrics.
func (l *DBLayer) Status(ctx context.Context) StatusReport {
	total, errs, retries, avgMS, lastErr := l.metrics.snapshot()
	report := StatusReport{
		Enabled:     true,
		Mode:        "db",
		TotalWrites: total,
		AvgWriteMS:  avgMS,
		RetryCount:  retries,
		LastError:   lastErr,
	}
	if total > 0 {
		report.FailureRate = float64(errs) / float64(total+errs)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	start := time.Now()
	err := l.db.PingContext(pingCtx)
	report.Healthy = err == nil
	report.Details = &StatusDetails{
		DatabaseURL: maskURL(l.rawURL),
		LatencyMS:   time.Since(start).Milliseconds(),
	}
	return report
}

func (l *DBLayer) Close() error { return l.db.Close() }
