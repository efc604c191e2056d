package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	masterdata "powermeter-cloud/internal/masterdata/domain"
)

const defaultDevicesTable = "devices"

const deviceColumns = `id, customer_id, device_name, display_name, site_id, site, virtual, is_site,
	serial_number, subtractive, disabled, protocol, city, latitude, longitude, created_at, updated_at`

// DeviceRepository is a Postgres implementation for devices.
type DeviceRepository struct {
	db    DBTX
	table string
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db DBTX, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Get loads a device by id.
func (r *DeviceRepository) Get(ctx context.Context, id, customerID string) (*masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if id == "" || customerID == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT `+deviceColumns+` FROM %s WHERE customer_id = $1 AND id = $2`, r.table)
	return scanDevice(r.db.QueryRowContext(ctx, query, customerID, id))
}

// FindByName loads a device by its protocol name.
func (r *DeviceRepository) FindByName(ctx context.Context, customerID, deviceName string) (*masterdata.Device, error) {
	return r.findOne(ctx, "device_name", customerID, deviceName)
}

// FindByDisplayName loads a device by its display name.
func (r *DeviceRepository) FindByDisplayName(ctx context.Context, customerID, displayName string) (*masterdata.Device, error) {
	return r.findOne(ctx, "display_name", customerID, displayName)
}

func (r *DeviceRepository) findOne(ctx context.Context, column, customerID, value string) (*masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if customerID == "" || value == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT `+deviceColumns+` FROM %s WHERE customer_id = $1 AND %s = $2 LIMIT 1`, r.table, column)
	return scanDevice(r.db.QueryRowContext(ctx, query, customerID, value))
}

// ListBySite lists devices referencing a site, including the site device itself.
func (r *DeviceRepository) ListBySite(ctx context.Context, customerID, siteID string) ([]masterdata.Device, error) {
	if customerID == "" || siteID == "" {
		return nil, nil
	}
	return r.list(ctx, "customer_id = $1 AND site_id = $2", customerID, siteID)
}

// ListByCustomer lists all devices of a customer.
func (r *DeviceRepository) ListByCustomer(ctx context.Context, customerID string) ([]masterdata.Device, error) {
	if customerID == "" {
		return nil, nil
	}
	return r.list(ctx, "customer_id = $1", customerID)
}

func (r *DeviceRepository) list(ctx context.Context, where string, args ...any) ([]masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`SELECT `+deviceColumns+` FROM %s WHERE %s ORDER BY id ASC`, r.table, where)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Count returns the number of devices a customer owns.
func (r *DeviceRepository) Count(ctx context.Context, customerID string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("device repo: nil db")
	}
	if customerID == "" {
		return 0, nil
	}
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE customer_id = $1`, r.table)
	if err := r.db.QueryRowContext(ctx, query, customerID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Add inserts a new device.
func (r *DeviceRepository) Add(ctx context.Context, device *masterdata.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	lat, lng := nullableLocation(device.Location)
	query := fmt.Sprintf(`
INSERT INTO %s (`+deviceColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		device.ID,
		device.CustomerID,
		device.DeviceName,
		device.DisplayName,
		device.SiteID,
		device.Site,
		device.Virtual,
		device.IsSite,
		device.SerialNumber,
		device.Subtractive,
		device.Disabled,
		device.Protocol,
		device.City,
		lat,
		lng,
		device.CreatedAt,
		device.UpdatedAt,
	)
	return err
}

// Update replaces an existing device.
func (r *DeviceRepository) Update(ctx context.Context, device *masterdata.Device) error {
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := r.UpdateBatch(ctx, []masterdata.Device{*device}); err != nil {
		return err
	}
	device.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateBatch replaces all devices in one transaction.
func (r *DeviceRepository) UpdateBatch(ctx context.Context, devices []masterdata.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if len(devices) == 0 {
		return nil
	}
	for _, device := range devices {
		if err := device.Validate(); err != nil {
			return err
		}
	}
	beginner, ok := r.db.(txBeginner)
	if !ok {
		return r.updateAll(ctx, r.db, devices)
	}
	tx, err := beginner.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := r.updateAll(ctx, tx, devices); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *DeviceRepository) updateAll(ctx context.Context, db DBTX, devices []masterdata.Device) error {
	query := fmt.Sprintf(`
UPDATE %s
SET device_name = $3, display_name = $4, site_id = $5, site = $6, virtual = $7, is_site = $8,
	serial_number = $9, subtractive = $10, disabled = $11, protocol = $12, city = $13,
	latitude = $14, longitude = $15, updated_at = NOW()
WHERE customer_id = $1 AND id = $2`, r.table)
	for _, device := range devices {
		lat, lng := nullableLocation(device.Location)
		res, err := db.ExecContext(ctx, query,
			device.CustomerID,
			device.ID,
			device.DeviceName,
			device.DisplayName,
			device.SiteID,
			device.Site,
			device.Virtual,
			device.IsSite,
			device.SerialNumber,
			device.Subtractive,
			device.Disabled,
			device.Protocol,
			device.City,
			lat,
			lng,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("device repo: device %s not found", device.ID)
		}
	}
	return nil
}

// Delete removes a device.
func (r *DeviceRepository) Delete(ctx context.Context, id, customerID string) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if id == "" || customerID == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE customer_id = $1 AND id = $2`, r.table), customerID, id)
	return err
}

type deviceScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row deviceScanner) (*masterdata.Device, error) {
	var device masterdata.Device
	var lat, lng sql.NullFloat64
	if err := row.Scan(
		&device.ID,
		&device.CustomerID,
		&device.DeviceName,
		&device.DisplayName,
		&device.SiteID,
		&device.Site,
		&device.Virtual,
		&device.IsSite,
		&device.SerialNumber,
		&device.Subtractive,
		&device.Disabled,
		&device.Protocol,
		&device.City,
		&lat,
		&lng,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lat.Valid && lng.Valid {
		device.Location = &masterdata.Location{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return &device, nil
}

func nullableLocation(location *masterdata.Location) (sql.NullFloat64, sql.NullFloat64) {
	if location == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: location.Latitude, Valid: true}, sql.NullFloat64{Float64: location.Longitude, Valid: true}
}
