package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"candleflow/internal/models"
	"candleflow/logger"
)

// Store persists candles in TimescaleDB, one table per timeframe. Inserts are
// insert-if-absent on the (exchange, symbol, timestamp) key, so replaying an
// archive file is always safe.
type Store struct {
	db  *gorm.DB
	log *logger.Log
}

// Open connects to the database and verifies the connection.
func Open(dsn string, log *logger.Log) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(16)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// EnsureSchema creates the per-timeframe tables and converts them to
// hypertables when the timescaledb extension is installed. A plain Postgres
// server is usable too, just without chunked storage.
func (s *Store) EnsureSchema(ctx context.Context, timeframes []models.Timeframe) error {
	hyper := s.hasTimescale(ctx)
	if !hyper {
		s.log.WithComponent("store").Warn("timescaledb extension not found, using plain tables")
	}

	for _, tf := range timeframes {
		table := tf.TableName()
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			exchange  TEXT             NOT NULL,
			symbol    TEXT             NOT NULL,
			timestamp TIMESTAMPTZ      NOT NULL,
			open      DOUBLE PRECISION NOT NULL,
			high      DOUBLE PRECISION NOT NULL,
			low       DOUBLE PRECISION NOT NULL,
			close     DOUBLE PRECISION NOT NULL,
			volume    DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (exchange, symbol, timestamp)
		)`, table)
		if err := s.db.WithContext(ctx).Exec(ddl).Error; err != nil {
			return fmt.Errorf("creating table %s: %w", table, err)
		}

		if hyper {
			err := s.db.WithContext(ctx).Exec(
				"SELECT create_hypertable(?, 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)",
				table,
			).Error
			if err != nil {
				s.log.WithComponent("store").WithFields(logger.Fields{
					"table": table,
				}).WithError(err).Warn("failed to convert table to hypertable")
			}
		}
	}
	return nil
}

func (s *Store) hasTimescale(ctx context.Context) bool {
	var n int64
	err := s.db.WithContext(ctx).
		Raw("SELECT count(*) FROM pg_extension WHERE extname = 'timescaledb'").
		Scan(&n).Error
	return err == nil && n > 0
}

const insertBatchSize = 500

// InsertDay writes one day of candles in a single transaction, skipping rows
// whose key already exists. It returns the number of rows actually inserted.
func (s *Store) InsertDay(ctx context.Context, tf models.Timeframe, candles []models.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	var inserted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Table(tf.TableName()).
			Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(candles, insertBatchSize)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("inserting %d candles into %s: %w", len(candles), tf.TableName(), err)
	}

	logger.AddRowsInserted(inserted)
	return inserted, nil
}

// DayCounts returns, per UTC day in [start, end], how many rows the store
// holds for one symbol and timeframe. Days with no rows are absent from the
// map.
func (s *Store) DayCounts(ctx context.Context, tf models.Timeframe, symbol string, start, end time.Time) (map[time.Time]int64, error) {
	type dayCount struct {
		Day time.Time
		N   int64
	}

	var rows []dayCount
	err := s.db.WithContext(ctx).Raw(fmt.Sprintf(`SELECT
			date_trunc('day', timestamp AT TIME ZONE 'UTC') AS day,
			count(*) AS n
		FROM %s
		WHERE exchange = ? AND symbol = ? AND timestamp >= ? AND timestamp < ?
		GROUP BY 1`, tf.TableName()),
		models.Exchange, symbol, start, end.AddDate(0, 0, 1)).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting rows in %s: %w", tf.TableName(), err)
	}

	counts := make(map[time.Time]int64, len(rows))
	for _, r := range rows {
		day := time.Date(r.Day.Year(), r.Day.Month(), r.Day.Day(), 0, 0, 0, 0, time.UTC)
		counts[day] = r.N
	}
	return counts, nil
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
