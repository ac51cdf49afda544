// Package history keeps a SQLite record of recent turns so playback can be
// inspected after the fact through GET /v1/history.
//
// The [Store] is a [playback.Observer]. Observe never blocks the session loop:
// events are queued on a buffered channel and written by a single background
// goroutine. When the queue is full the event is dropped and counted.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/speakloop/internal/config"
	"github.com/MrWong99/speakloop/internal/playback"
)

const (
	queueSize    = 256
	writeTimeout = 5 * time.Second
)

// ErrNotFound is returned by [Store.Get] for an unknown turn id.
var ErrNotFound = errors.New("history: turn not found")

// Status is the final state of a recorded turn.
type Status string

const (
	StatusSpeaking  Status = "speaking"
	StatusCompleted Status = "completed"
	StatusCleared   Status = "cleared"
)

// Turn summarises one recorded turn.
type Turn struct {
	ID        string    `json:"turn_id"`
	Status    Status    `json:"status"`
	Text      string    `json:"text"`
	Segments  int       `json:"segments"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// Entry is one stored segment or device event of a turn.
type Entry struct {
	Kind      playback.EventKind `json:"kind"`
	SegmentID uint64             `json:"segment_id,omitempty"`
	Text      string             `json:"text,omitempty"`
	Emotion   string             `json:"emotion,omitempty"`
	Error     string             `json:"error,omitempty"`
	Time      time.Time          `json:"time"`
}

// Store records playback events in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time

	events    chan playback.Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

var _ playback.Observer = (*Store)(nil)

// Open creates or opens the database at cfg.Path, applies retention and
// starts the writer goroutine.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("history: path is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		log:    log,
		clock:  time.Now,
		events: make(chan playback.Event, queueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history: prune on start failed", "err", err)
	}

	go s.run()
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS turns (
    turn_id    TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    text       TEXT NOT NULL DEFAULT '',
    segments   INTEGER NOT NULL DEFAULT 0,
    failed     INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    ended_at   INTEGER
);
CREATE TABLE IF NOT EXISTS entries (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id    TEXT NOT NULL,
    kind       TEXT NOT NULL,
    segment_id INTEGER,
    text       TEXT,
    emotion    TEXT,
    error      TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_started ON turns(started_at);
CREATE INDEX IF NOT EXISTS idx_entries_turn ON entries(turn_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Observe implements [playback.Observer].
func (s *Store) Observe(ev playback.Event) {
	select {
	case <-s.quit:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn("history: queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the writer after it has stored every queued event, then closes
// the database. It is safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		err = s.db.Close()
	})
	return err
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.events:
			s.record(ev)
		case <-s.quit:
			for {
				select {
				case ev := <-s.events:
					s.record(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) record(ev playback.Event) {
	if ev.TurnID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	at := ev.Time
	if at.IsZero() {
		at = s.clock()
	}
	ms := at.UnixMilli()

	var err error
	switch ev.Kind {
	case playback.SpeakingStarted:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO turns(turn_id, status, started_at) VALUES(?, ?, ?)
			 ON CONFLICT(turn_id) DO NOTHING`,
			ev.TurnID, StatusSpeaking, ms)
	case playback.SegmentStarted:
		err = s.appendEntry(ctx, ev, ms)
		if err == nil {
			_, err = s.db.ExecContext(ctx,
				`UPDATE turns SET text = text || ? WHERE turn_id = ?`, ev.Text, ev.TurnID)
		}
	case playback.SegmentError, playback.DeviceError:
		err = s.appendEntry(ctx, ev, ms)
	case playback.SpeakingStopped:
		if ev.Cleared {
			_, err = s.db.ExecContext(ctx,
				`UPDATE turns SET status = ?, ended_at = ? WHERE turn_id = ? AND status = ?`,
				StatusCleared, ms, ev.TurnID, StatusSpeaking)
		}
	case playback.TurnCompleted:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO turns(turn_id, status, segments, failed, started_at, ended_at)
			 VALUES(?, ?, ?, ?, ?, ?)
			 ON CONFLICT(turn_id) DO UPDATE SET
			     status = excluded.status,
			     segments = excluded.segments,
			     failed = excluded.failed,
			     ended_at = excluded.ended_at`,
			ev.TurnID, StatusCompleted, ev.Segments, ev.Failed, ms, ms)
	}
	if err != nil {
		s.log.Warn("history: write failed", "kind", ev.Kind, "turn", ev.TurnID, "err", err)
	}
}

func (s *Store) appendEntry(ctx context.Context, ev playback.Event, ms int64) error {
	var msg string
	if ev.Err != nil {
		msg = ev.Err.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(turn_id, kind, segment_id, text, emotion, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		ev.TurnID, string(ev.Kind), int64(ev.SegmentID), ev.Text, ev.Emotion, msg, ms)
	return err
}

// Recent returns up to limit turns, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, status, text, segments, failed, started_at, ended_at
		 FROM turns ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query turns: %w", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Get returns one turn and its entries in the order they were recorded.
func (s *Store) Get(ctx context.Context, id string) (Turn, []Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT turn_id, status, text, segments, failed, started_at, ended_at
		 FROM turns WHERE turn_id = ?`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, nil, ErrNotFound
	}
	if err != nil {
		return Turn{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, segment_id, text, emotion, error, created_at
		 FROM entries WHERE turn_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return Turn{}, nil, fmt.Errorf("history: query entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var kind string
		var seg sql.NullInt64
		var text, emotion, msg sql.NullString
		var created int64
		if err := rows.Scan(&kind, &seg, &text, &emotion, &msg, &created); err != nil {
			return Turn{}, nil, fmt.Errorf("history: scan entry: %w", err)
		}
		e.Kind = playback.EventKind(kind)
		e.SegmentID = uint64(seg.Int64)
		e.Text = text.String
		e.Emotion = emotion.String
		e.Error = msg.String
		e.Time = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Turn{}, nil, err
	}
	return t, entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(r scanner) (Turn, error) {
	var (
		t       Turn
		status  string
		started int64
		ended   sql.NullInt64
	)
	if err := r.Scan(&t.ID, &status, &t.Text, &t.Segments, &t.Failed, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Turn{}, err
		}
		return Turn{}, fmt.Errorf("history: scan turn: %w", err)
	}
	t.Status = Status(status)
	t.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		t.EndedAt = time.UnixMilli(ended.Int64).UTC()
	}
	return t, nil
}

// Prune applies the configured retention. It runs on [Open] and may be
// called again at any time.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionDays <= 0 && s.cfg.MaxTurns <= 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxTurns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE turn_id IN (
			SELECT turn_id FROM turns ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxTurns)
		if err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM entries WHERE turn_id NOT IN (SELECT turn_id FROM turns)`); err != nil {
		return err
	}
	return tx.Commit()
}
