package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	telemetry "powermeter-cloud/internal/telemetry/domain"
)

const defaultReadingsTable = "readings"

const readingColumns = `customer_id, device_id, site_id, ts, device_name, display_name,
	total_real_power, total_energy_consumed, energy_consumed, average_current,
	average_voltage, power_factor, fault_code, fault_text, valid, virtual, is_site,
	latitude, longitude, temperature, cloud_cover, weather_summary`

// ReadingRepository stores readings in Postgres.
type ReadingRepository struct {
	db    *sql.DB
	table string
}

// Option configures the repository.
type Option func(*ReadingRepository)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(r *ReadingRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewReadingRepository constructs a repository.
func NewReadingRepository(db *sql.DB, opts ...Option) *ReadingRepository {
	repo := &ReadingRepository{db: db, table: defaultReadingsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Put upserts a reading on (customer_id, device_id, ts).
func (r *ReadingRepository) Put(ctx context.Context, reading *telemetry.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if reading == nil {
		return errors.New("reading repo: nil reading")
	}
	if err := reading.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (`+readingColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
ON CONFLICT (customer_id, device_id, ts)
DO UPDATE SET
	site_id = EXCLUDED.site_id,
	device_name = EXCLUDED.device_name,
	display_name = EXCLUDED.display_name,
	total_real_power = EXCLUDED.total_real_power,
	total_energy_consumed = EXCLUDED.total_energy_consumed,
	energy_consumed = EXCLUDED.energy_consumed,
	average_current = EXCLUDED.average_current,
	average_voltage = EXCLUDED.average_voltage,
	power_factor = EXCLUDED.power_factor,
	fault_code = EXCLUDED.fault_code,
	fault_text = EXCLUDED.fault_text,
	valid = EXCLUDED.valid,
	virtual = EXCLUDED.virtual,
	is_site = EXCLUDED.is_site,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	temperature = EXCLUDED.temperature,
	cloud_cover = EXCLUDED.cloud_cover,
	weather_summary = EXCLUDED.weather_summary`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		reading.CustomerID,
		reading.DeviceID,
		reading.SiteID,
		reading.Timestamp.UTC(),
		reading.DeviceName,
		reading.DisplayName,
		reading.TotalRealPower,
		reading.TotalEnergyConsumed,
		reading.EnergyConsumed,
		reading.AverageCurrent,
		reading.AverageVoltage,
		reading.PowerFactor,
		reading.FaultCode,
		reading.FaultText,
		reading.Valid,
		reading.Virtual,
		reading.IsSite,
		reading.Latitude,
		reading.Longitude,
		reading.Temperature,
		reading.CloudCover,
		reading.WeatherSummary,
	)
	return err
}

// Get loads a reading by identity key.
func (r *ReadingRepository) Get(ctx context.Context, customerID, deviceID string, ts time.Time) (*telemetry.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	if customerID == "" || deviceID == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT `+readingColumns+` FROM %s WHERE customer_id = $1 AND device_id = $2 AND ts = $3`, r.table)
	return scanReading(r.db.QueryRowContext(ctx, query, customerID, deviceID, ts.UTC()))
}

// CountDistinctDevices counts listed devices with a physical reading at ts.
func (r *ReadingRepository) CountDistinctDevices(ctx context.Context, customerID, siteID string, ts time.Time, deviceIDs []string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("reading repo: nil db")
	}
	if customerID == "" || siteID == "" || len(deviceIDs) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
SELECT COUNT(DISTINCT device_id)
FROM %s
WHERE customer_id = $1 AND site_id = $2 AND ts = $3 AND NOT virtual AND device_id = ANY($4)`, r.table)
	var count int
	if err := r.db.QueryRowContext(ctx, query, customerID, siteID, ts.UTC(), deviceIDs).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListBySite lists physical readings under a site at ts.
func (r *ReadingRepository) ListBySite(ctx context.Context, customerID, siteID string, ts time.Time) ([]telemetry.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	if customerID == "" || siteID == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT `+readingColumns+`
FROM %s
WHERE customer_id = $1 AND site_id = $2 AND ts = $3 AND NOT virtual
ORDER BY device_id ASC`, r.table)
	rows, err := r.db.QueryContext(ctx, query, customerID, siteID, ts.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *reading)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// TotalEnergyBefore returns the latest cumulative counter reported before ts.
func (r *ReadingRepository) TotalEnergyBefore(ctx context.Context, customerID, deviceID string, ts time.Time) (*float64, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	if customerID == "" || deviceID == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT total_energy_consumed
FROM %s
WHERE customer_id = $1 AND device_id = $2 AND ts < $3 AND total_energy_consumed >= 0
ORDER BY ts DESC
LIMIT 1`, r.table)
	var value float64
	if err := r.db.QueryRowContext(ctx, query, customerID, deviceID, ts.UTC()).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &value, nil
}

// LatestTimestamp returns the newest reading time for a device.
func (r *ReadingRepository) LatestTimestamp(ctx context.Context, customerID, deviceID string) (time.Time, error) {
	if r == nil || r.db == nil {
		return time.Time{}, errors.New("reading repo: nil db")
	}
	if customerID == "" || deviceID == "" {
		return time.Time{}, nil
	}
	query := fmt.Sprintf(`SELECT MAX(ts) FROM %s WHERE customer_id = $1 AND device_id = $2`, r.table)
	var latest sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, customerID, deviceID).Scan(&latest); err != nil {
		return time.Time{}, err
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time.UTC(), nil
}

// DeleteByCustomer purges every reading of a customer.
func (r *ReadingRepository) DeleteByCustomer(ctx context.Context, customerID string) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("reading repo: nil db")
	}
	if customerID == "" {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE customer_id = $1`, r.table), customerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type readingScanner interface {
	Scan(dest ...any) error
}

func scanReading(row readingScanner) (*telemetry.Reading, error) {
	var reading telemetry.Reading
	if err := row.Scan(
		&reading.CustomerID,
		&reading.DeviceID,
		&reading.SiteID,
		&reading.Timestamp,
		&reading.DeviceName,
		&reading.DisplayName,
		&reading.TotalRealPower,
		&reading.TotalEnergyConsumed,
		&reading.EnergyConsumed,
		&reading.AverageCurrent,
		&reading.AverageVoltage,
		&reading.PowerFactor,
		&reading.FaultCode,
		&reading.FaultText,
		&reading.Valid,
		&reading.Virtual,
		&reading.IsSite,
		&reading.Latitude,
		&reading.Longitude,
		&reading.Temperature,
		&reading.CloudCover,
		&reading.WeatherSummary,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	reading.Timestamp = reading.Timestamp.UTC()
	return &reading, nil
}
