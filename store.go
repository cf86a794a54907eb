package sentinel

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// HistorySink is the durable projection of closed samples. Failures are
// transient by contract: the in-memory history stays authoritative and the
// sink retries pending rows on the next tick.
type HistorySink interface {
	WriteSample(sample Sample) error
	Close() error
}

const sampleSchema = `
CREATE TABLE IF NOT EXISTS samples (
	window_start  TIMESTAMP NOT NULL,
	window_end    TIMESTAMP NOT NULL,
	request_count INTEGER NOT NULL,
	distinct_ips  INTEGER NOT NULL,
	geo_counts    TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (window_start, window_end)
);`

// SQLiteHistorySink persists samples to a local sqlite database. Rows that
// fail to write are buffered (bounded) and retried with the next sample.
// Only the tick task calls WriteSample, so the sink needs no locking.
type SQLiteHistorySink struct {
	db         *sqlx.DB
	pending    []Sample
	maxPending int
}

func NewSQLiteHistorySink(dsn string) (*SQLiteHistorySink, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open history db")
	}
	if _, err := db.Exec(sampleSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create samples table")
	}
	return &SQLiteHistorySink{db: db, maxPending: 1024}, nil
}

// WriteSample inserts the sample plus any rows still pending from earlier
// failed ticks, in one transaction. On failure everything stays pending and
// a TransientStorageError is returned.
func (s *SQLiteHistorySink) WriteSample(sample Sample) error {
	s.pending = append(s.pending, sample)
	if len(s.pending) > s.maxPending {
		s.pending = s.pending[len(s.pending)-s.maxPending:]
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return &TransientStorageError{Err: errors.Wrap(err, "begin")}
	}
	for _, p := range s.pending {
		geo, err := json.Marshal(p.PerGeoCounts)
		if err != nil {
			geo = []byte("{}")
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO samples (window_start, window_end, request_count, distinct_ips, geo_counts)
			 VALUES (?, ?, ?, ?, ?)`,
			p.WindowStart, p.WindowEnd, p.RequestCount, p.DistinctIPs, string(geo),
		); err != nil {
			tx.Rollback()
			return &TransientStorageError{Err: errors.Wrap(err, "insert sample")}
		}
	}
	if err := tx.Commit(); err != nil {
		return &TransientStorageError{Err: errors.Wrap(err, "commit")}
	}
	s.pending = s.pending[:0]
	return nil
}

// Prune deletes rows older than the retention cutoff.
func (s *SQLiteHistorySink) Prune(cutoff time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM samples WHERE window_end <= ?`, cutoff); err != nil {
		return &TransientStorageError{Err: errors.Wrap(err, "prune samples")}
	}
	return nil
}

func (s *SQLiteHistorySink) Close() error {
	return s.db.Close()
}
