package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
)

const (
	// timeLayout is fixed width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"

	defaultListLimit = 50
	maxListLimit     = 200
)

// Record is one row of device_events.
type Record struct {
	ID         string           `json:"id"`
	Kind       device.EventKind `json:"kind"`
	Domain     device.Domain    `json:"domain"`
	Identity   device.Identity  `json:"identity"`
	Model      string           `json:"model,omitempty"`
	Class      string           `json:"class,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// RecordFromEvent converts a manager event into a journal row.
func RecordFromEvent(ev device.Event) Record {
	return Record{
		Kind:       ev.Kind,
		Domain:     ev.Domain,
		Identity:   ev.Identity,
		Model:      ev.Model.String(),
		Class:      ev.Class,
		OccurredAt: ev.At,
	}
}

// Filter selects journal rows. Zero fields match everything.
type Filter struct {
	Domain device.Domain
	Kind   device.EventKind
	Serial *uint32
	Limit  int // default 50, max 200
	Offset int
}

// ListResult is one page of journal rows, newest first.
type ListResult struct {
	Events []Record `json:"events"`
	Total  int      `json:"total"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// Repository stores journal rows.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLiteRepository implements Repository on the device_events table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository returns a repository using db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts rec, filling ID and OccurredAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = "evt-" + uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_events (id, occurred_at, kind, domain, mode, serial, model, class)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.OccurredAt.UTC().Format(timeLayout),
		string(rec.Kind),
		string(rec.Domain),
		rec.Identity.Mode.String(),
		int64(rec.Identity.Serial),
		nullableString(rec.Model),
		nullableString(rec.Class),
	)
	if err != nil {
		return fmt.Errorf("inserting device event: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns rows matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Domain != "" {
		conditions = append(conditions, "domain = ?")
		args = append(args, string(filter.Domain))
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Serial != nil {
		conditions = append(conditions, "serial = ?")
		args = append(args, int64(*filter.Serial))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM device_events " + where //nolint:gosec // conditions are parameterised
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting device events: %w", err)
	}

	query := "SELECT id, occurred_at, kind, domain, mode, serial, model, class FROM device_events " + //nolint:gosec // conditions are parameterised
		where + " ORDER BY occurred_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying device events: %w", err)
	}
	defer rows.Close()

	events := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device events: %w", err)
	}

	return &ListResult{Events: events, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec                      Record
		occurredAt, kind, domain string
		mode                     string
		serial                   int64
		model, class             sql.NullString
	)
	if err := rows.Scan(&rec.ID, &occurredAt, &kind, &domain, &mode, &serial, &model, &class); err != nil {
		return Record{}, fmt.Errorf("scanning device event: %w", err)
	}

	t, err := time.Parse(timeLayout, occurredAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing device event timestamp %q: %w", occurredAt, err)
	}
	id, err := device.ParseIdentity(fmt.Sprintf("%s:%d", mode, serial))
	if err != nil {
		return Record{}, fmt.Errorf("parsing device event identity: %w", err)
	}

	rec.OccurredAt = t
	rec.Kind = device.EventKind(kind)
	rec.Domain = device.Domain(domain)
	rec.Identity = id
	rec.Model = model.String
	rec.Class = class.String
	return rec, nil
}

// DeleteBefore removes rows older than cutoff and returns how many went.
func (r *SQLiteRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM device_events WHERE occurred_at < ?",
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning device events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning device events: %w", err)
	}
	return n, nil
}
