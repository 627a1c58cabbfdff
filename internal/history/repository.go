package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/bmcctl/internal/errors"
	"codeberg.org/mutker/bmcctl/internal/logger"
	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

const selectRecentSQL = `
    SELECT
        cycle_id, timestamp,
        power_on,
        fan_manual, fan_power_w, fan_percent_avg, fan_rpm_max,
        psu_reading_w, psu_input_w, psu_output_w,
        cpu_temp_max, cpu_temp_avg
    FROM samples
    ORDER BY timestamp DESC, id DESC
    LIMIT ?`

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []*Sample
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
}

// NewRepository opens the history database, migrating its schema if needed,
// and starts the periodic flusher.
func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("History repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]*Sample, 0, cfg.BatchSize),
		flushTicker:   time.NewTicker(cfg.BatchTimeout),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	go repo.flusher()

	return repo, nil
}

func (r *repository) Record(sample *Sample) error {
	if sample == nil {
		return errors.New().New(ErrInvalidSample)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, sample)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

// Flush writes buffered samples immediately
func (r *repository) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flush()
}

// Recent returns up to limit samples, newest first. Buffered samples are
// flushed first so they are included.
func (r *repository) Recent(limit int) ([]Sample, error) {
	errFactory := errors.New()

	if err := r.Flush(); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(selectRecentSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrRecordFailed, err)
	}
	defer rows.Close()

	samples := make([]Sample, 0, limit)
	for rows.Next() {
		var (
			s                  Sample
			cycleID            string
			ts                 int64
			powerOn, fanManual int
		)
		if err := rows.Scan(
			&cycleID, &ts,
			&powerOn,
			&fanManual, &s.Fans.PowerW, &s.Fans.AveragePercent, &s.Fans.MaxRPM,
			&s.PSU.ReadingW, &s.PSU.InputW, &s.PSU.OutputW,
			&s.CPU.MaxC, &s.CPU.AverageC,
		); err != nil {
			return nil, errFactory.Wrap(ErrRecordFailed, err)
		}

		s.CycleID, err = uuid.Parse(cycleID)
		if err != nil {
			return nil, errFactory.Wrap(ErrRecordFailed, err)
		}
		s.Timestamp = time.UnixMilli(ts)
		s.Power.On = powerOn == 1
		s.Fans.Manual = fanManual == 1
		samples = append(samples, s)
	}

	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrRecordFailed, err)
	}

	return samples, nil
}

func (r *repository) Close() error {
	var closeErr error

	r.closeOnce.Do(func() {
		close(r.shutdownChan)
		r.flushTicker.Stop()

		// Wait for the flusher's final flush
		<-r.flushDoneChan

		if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			r.logger.Debug().Err(err).Msg("Failed to checkpoint history WAL")
		}

		if err := r.db.Close(); err != nil {
			closeErr = errors.New().Wrap(ErrStorageClose, err)
			return
		}

		r.logger.Info().Msg("History repository closed")
	})

	return closeErr
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic history flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Warn().Err(err).Msg("Final history flush failed")
			}
			r.mu.Unlock()
			return
		}
	}
}

// flush must be called with r.mu held
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
		}
	}()

	stmt, err := tx.Prepare(insertSampleSQL)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, s := range r.buffer {
		if _, err := stmt.Exec(
			s.CycleID.String(), s.Timestamp.UnixMilli(),
			boolToInt(s.Power.On),
			boolToInt(s.Fans.Manual), s.Fans.PowerW, s.Fans.AveragePercent, s.Fans.MaxRPM,
			s.PSU.ReadingW, s.PSU.InputW, s.PSU.OutputW,
			s.CPU.MaxC, s.CPU.AverageC,
		); err != nil {
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed history samples")
	r.buffer = r.buffer[:0]

	return nil
}
