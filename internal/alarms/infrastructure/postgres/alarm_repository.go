package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	alarms "powermeter-cloud/internal/alarms/domain"
)

const defaultAlarmsTable = "alarms"

const alarmColumns = `id, customer_id, device_id, site_id, message, state,
	start_date, last_update, end_date, emailed, emailed_at`

// AlarmRepository is a Postgres repository for alarms.
type AlarmRepository struct {
	db    *sql.DB
	table string
}

// Option configures the repository.
type Option func(*AlarmRepository)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(r *AlarmRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewAlarmRepository constructs a repository.
func NewAlarmRepository(db *sql.DB, opts ...Option) *AlarmRepository {
	repo := &AlarmRepository{db: db, table: defaultAlarmsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Create inserts a new alarm. The partial unique index on active alarms
// rejects a second open alarm for a device.
func (r *AlarmRepository) Create(ctx context.Context, alarm *alarms.Alarm) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	if alarm == nil {
		return errors.New("alarm repo: nil alarm")
	}
	if err := alarm.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (`+alarmColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		alarm.ID,
		alarm.CustomerID,
		alarm.DeviceID,
		alarm.SiteID,
		alarm.Message,
		string(alarm.State),
		alarm.StartDate,
		alarm.LastUpdate,
		nullableTime(alarm.EndDate),
		string(alarm.Emailed),
		nullableTime(alarm.EmailedAt),
	)
	return err
}

// Touch bumps last_update of an alarm that is still active.
func (r *AlarmRepository) Touch(ctx context.Context, customerID, id string, at time.Time) (*alarms.Alarm, error) {
	return r.transition(ctx, `
SET last_update = GREATEST($1, last_update + interval '1 microsecond')
WHERE id = $2 AND customer_id = $3 AND state = 'active'`, at.UTC(), id, customerID)
}

// Resolve closes an alarm that is still active.
func (r *AlarmRepository) Resolve(ctx context.Context, customerID, id string, at time.Time) (*alarms.Alarm, error) {
	return r.transition(ctx, `
SET state = 'resolved',
	end_date = $1,
	last_update = GREATEST($1, last_update),
	emailed = CASE WHEN emailed = 'dont_email' THEN emailed ELSE 'resolved_not_emailed' END
WHERE id = $2 AND customer_id = $3 AND state = 'active'`, at.UTC(), id, customerID)
}

// MarkEmailed records a delivered notification while state and emailed are unchanged.
func (r *AlarmRepository) MarkEmailed(ctx context.Context, customerID, id string, state alarms.State, prev alarms.EmailState, at time.Time) (*alarms.Alarm, error) {
	return r.transition(ctx, `
SET emailed = 'emailed', emailed_at = $1
WHERE id = $2 AND customer_id = $3 AND state = $4 AND emailed = $5`, at.UTC(), id, customerID, string(state), string(prev))
}

// transition runs a conditional UPDATE and returns the new row, or nil when
// the WHERE clause no longer matches.
func (r *AlarmRepository) transition(ctx context.Context, setWhere string, args ...any) (*alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	query := fmt.Sprintf(`UPDATE %s`+setWhere+`
RETURNING `+alarmColumns, r.table)
	return scanAlarm(r.db.QueryRowContext(ctx, query, args...))
}

// Get fetches an alarm by id.
func (r *AlarmRepository) Get(ctx context.Context, customerID, id string) (*alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	if customerID == "" || id == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT `+alarmColumns+` FROM %s WHERE customer_id = $1 AND id = $2`, r.table)
	return scanAlarm(r.db.QueryRowContext(ctx, query, customerID, id))
}

// FindActiveByDevice returns the open alarm of a device.
func (r *AlarmRepository) FindActiveByDevice(ctx context.Context, customerID, deviceID string) (*alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	if customerID == "" || deviceID == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT `+alarmColumns+`
FROM %s
WHERE customer_id = $1 AND device_id = $2 AND state = 'active'
ORDER BY start_date DESC
LIMIT 1`, r.table)
	return scanAlarm(r.db.QueryRowContext(ctx, query, customerID, deviceID))
}

// ListByDevice lists alarms for a device, newest first.
func (r *AlarmRepository) ListByDevice(ctx context.Context, customerID, deviceID string) ([]alarms.Alarm, error) {
	return r.list(ctx, "customer_id = $1 AND device_id = $2", customerID, deviceID)
}

// ListBySite lists alarms for a site, newest first.
func (r *AlarmRepository) ListBySite(ctx context.Context, customerID, siteID string) ([]alarms.Alarm, error) {
	return r.list(ctx, "customer_id = $1 AND site_id = $2", customerID, siteID)
}

// ListByCustomer lists alarms for a customer, newest first.
func (r *AlarmRepository) ListByCustomer(ctx context.Context, customerID string) ([]alarms.Alarm, error) {
	return r.list(ctx, "customer_id = $1", customerID)
}

// ListActive lists all open alarms.
func (r *AlarmRepository) ListActive(ctx context.Context) ([]alarms.Alarm, error) {
	return r.list(ctx, "state = 'active'")
}

// ListPendingEmail lists alarms the notifier still owes a message for.
func (r *AlarmRepository) ListPendingEmail(ctx context.Context) ([]alarms.Alarm, error) {
	return r.list(ctx, "(state = 'active' AND emailed = 'needs_email') OR (state = 'resolved' AND emailed = 'resolved_not_emailed')")
}

// DeleteOlderThan removes alarms started before cutoff.
func (r *AlarmRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alarm repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE start_date < $1`, r.table), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *AlarmRepository) list(ctx context.Context, where string, args ...any) ([]alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	for _, arg := range args {
		if s, ok := arg.(string); ok && s == "" {
			return nil, nil
		}
	}
	query := fmt.Sprintf(`SELECT `+alarmColumns+` FROM %s WHERE %s ORDER BY start_date DESC, id ASC`, r.table, where)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.Alarm
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type alarmScanner interface {
	Scan(dest ...any) error
}

func scanAlarm(row alarmScanner) (*alarms.Alarm, error) {
	var alarm alarms.Alarm
	var state, emailed string
	var endDate sql.NullTime
	var emailedAt sql.NullTime
	if err := row.Scan(
		&alarm.ID,
		&alarm.CustomerID,
		&alarm.DeviceID,
		&alarm.SiteID,
		&alarm.Message,
		&state,
		&alarm.StartDate,
		&alarm.LastUpdate,
		&endDate,
		&emailed,
		&emailedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	alarm.State = alarms.State(state)
	alarm.Emailed = alarms.EmailState(emailed)
	alarm.StartDate = alarm.StartDate.UTC()
	alarm.LastUpdate = alarm.LastUpdate.UTC()
	if endDate.Valid {
		alarm.EndDate = endDate.Time.UTC()
	}
	if emailedAt.Valid {
		alarm.EmailedAt = emailedAt.Time.UTC()
	}
	return &alarm, nil
}

func nullableTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}
