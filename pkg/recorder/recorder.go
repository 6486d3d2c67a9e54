// Package recorder keeps a trial log of engine events and calibration
// reports in SQLite.
package recorder

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/calibration"
	"github.com/teslashibe/go-attend/pkg/event"
	"github.com/teslashibe/go-attend/pkg/sample"
)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	at TEXT NOT NULL,
	kind TEXT NOT NULL,
	source TEXT NOT NULL,
	entity TEXT,
	x DOUBLE, y DOUBLE, z DOUBLE,
	message TEXT,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_at ON events(at);
CREATE TABLE IF NOT EXISTS reports (
	session_id TEXT NOT NULL,
	round INTEGER NOT NULL,
	succeeded BOOLEAN NOT NULL,
	accuracy DOUBLE,
	mean_error DOUBLE,
	std_error DOUBLE,
	body TEXT NOT NULL,
	recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (session_id, round)
);
`

// Config holds recorder settings.
type Config struct {
	Path   string       // Database file
	Buffer int          // Events queued between the bus and the writer
	Skip   []event.Kind // Kinds not worth a row
}

// DefaultConfig returns the defaults. Motion is skipped: it arrives at the
// poll rate and is reconstructible from grabs and fixations.
func DefaultConfig() Config {
	return Config{
		Path:   "attend.db",
		Buffer: 1024,
		Skip:   []event.Kind{event.Moved},
	}
}

// Recorder writes events and reports to SQLite.
type Recorder struct {
	db     *sql.DB
	config Config
	queue  chan event.Event
	logger *slog.Logger
}

// Open opens or creates the database at config.Path.
func Open(config Config, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = log.L()
	}
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", config.Path, err)
	}
	// SQLite serialises writers anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: init schema: %w", err)
	}
	if config.Buffer <= 0 {
		config.Buffer = DefaultConfig().Buffer
	}
	return &Recorder{
		db:     db,
		config: config,
		queue:  make(chan event.Event, config.Buffer),
		logger: logger.With("component", "recorder"),
	}, nil
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Attach queues every event published on bus. Events are dropped with a
// warning while the queue is full, so publishers never block on disk.
func (r *Recorder) Attach(bus *event.Bus) (detach func()) {
	return bus.Subscribe(func(e event.Event) {
		if slices.Contains(r.config.Skip, e.Kind) {
			return
		}
		select {
		case r.queue <- e:
		default:
			r.logger.Warn("event queue full, dropping", "kind", e.Kind)
		}
	})
}

// Run writes queued events until ctx is done, then flushes what is left.
// Calibration reports carried by CalibrationComplete events are stored too.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.write(context.Background(), e)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, e event.Event) {
	if err := r.Record(ctx, e); err != nil {
		r.logger.Error("failed to record event", "kind", e.Kind, "error", err)
	}
	if rep, ok := e.Payload.(calibration.Report); ok {
		if err := r.SaveReport(ctx, rep); err != nil {
			r.logger.Error("failed to record calibration report", "error", err)
		}
	}
}

// Record inserts one event.
func (r *Recorder) Record(ctx context.Context, e event.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("recorder: encode event: %w", err)
	}
	var x, y, z sql.NullFloat64
	if e.Point != nil {
		x = sql.NullFloat64{Float64: e.Point.X, Valid: true}
		y = sql.NullFloat64{Float64: e.Point.Y, Valid: true}
		z = sql.NullFloat64{Float64: e.Point.Z, Valid: true}
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO events (id, at, kind, source, entity, x, y, z, message, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Time.UTC().Format(timeLayout), string(e.Kind), string(e.Source),
		e.Entity, x, y, z, e.Message, string(body))
	if err != nil {
		return fmt.Errorf("recorder: insert event: %w", err)
	}
	return nil
}

// Events returns up to limit events, newest first. A non-empty kind filters
// by kind.
func (r *Recorder) Events(ctx context.Context, kind event.Kind, limit int) ([]event.Event, error) {
	q := `SELECT id, at, kind, source, entity, x, y, z, message FROM events`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recorder: query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			id, at, k, src  string
			entity, message sql.NullString
			x, y, z         sql.NullFloat64
		)
		if err := rows.Scan(&id, &at, &k, &src, &entity, &x, &y, &z, &message); err != nil {
			return nil, fmt.Errorf("recorder: scan event: %w", err)
		}
		e := event.Event{
			Kind:    event.Kind(k),
			Source:  event.Source(src),
			Entity:  entity.String,
			Message: message.String,
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("recorder: event id: %w", err)
		}
		if e.Time, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("recorder: event time: %w", err)
		}
		if x.Valid {
			e.Point = &sample.Point{X: x.Float64, Y: y.Float64, Z: z.Float64}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recorder: query events: %w", err)
	}
	return events, nil
}

// SaveReport stores a calibration report, replacing an earlier copy of the
// same round.
func (r *Recorder) SaveReport(ctx context.Context, rep calibration.Report) error {
	var body bytes.Buffer
	if err := rep.WriteYAML(&body); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO reports (session_id, round, succeeded, accuracy, mean_error, std_error, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rep.SessionID.String(), rep.Round, rep.Succeeded, rep.Accuracy, rep.MeanError, rep.StdDevError,
		body.String())
	if err != nil {
		return fmt.Errorf("recorder: insert report: %w", err)
	}
	return nil
}

// LatestReport returns the most recently stored report.
func (r *Recorder) LatestReport(ctx context.Context) (calibration.Report, bool, error) {
	var body string
	err := r.db.QueryRowContext(ctx,
		`SELECT body FROM reports ORDER BY recorded_at DESC, rowid DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.Report{}, false, nil
	}
	if err != nil {
		return calibration.Report{}, false, fmt.Errorf("recorder: query report: %w", err)
	}
	rep, err := calibration.ReadYAML(bytes.NewBufferString(body))
	if err != nil {
		return calibration.Report{}, false, err
	}
	return rep, true, nil
}
