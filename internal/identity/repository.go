package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
	"github.com/knowyourmechanic/kym-api/internal/otp"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = apperr.New(apperr.KindNotFound, "user not found")
	// ErrDuplicatePhone is returned by Create when the phone is taken.
	ErrDuplicatePhone = errors.New("phone already registered")
)

// Repository persists users.
type Repository interface {
	Create(ctx context.Context, user User) error
	FindByID(ctx context.Context, id string) (User, error)
	FindByPhone(ctx context.Context, phone string) (User, error)
	// Update loads the user, applies fn and stores the result atomically.
	Update(ctx context.Context, id string, fn func(u *User) error) (User, error)
	SetOTP(ctx context.Context, id string, slot otp.Slot) error
	// ConsumeOTP clears the slot only if it still holds hash.
	ConsumeOTP(ctx context.Context, id, hash string) (bool, error)
	ListGarages(ctx context.Context, limit int) ([]User, error)
}

// CounterStore applies ledger completion side effects to a garage.
type CounterStore interface {
	IncrementServiceStats(ctx context.Context, id string, amount int64) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, phone, name, role, COALESCE(garage_name, ''), COALESCE(address, ''), lat, lng,
    services_offered, COALESCE(photo_url, ''), total_services, total_earnings, rating,
    COALESCE(otp_hash, ''), otp_expires_at, created_at`

// Create inserts a new user.
func (r *PostgresRepository) Create(ctx context.Context, user User) error {
	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return err
	}
	g := garageColumns(user)
	_, err = r.db.Exec(ctx, `INSERT INTO users (id, phone, name, role, garage_name, address, lat, lng,
        services_offered, photo_url, otp_hash, otp_expires_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		userID, user.Phone, user.Name, string(user.Role), g.name, g.address, g.lat, g.lng,
		g.services, g.photo, nullString(user.OTP.Hash), nullTime(user.OTP.ExpiresAt), user.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicatePhone
	}
	return err
}

// FindByID fetches a user by identifier.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrUserNotFound
	}
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// FindByPhone fetches a user by phone number.
func (r *PostgresRepository) FindByPhone(ctx context.Context, phone string) (User, error) {
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone))
}

// Update locks the row, applies fn and writes the profile columns back.
func (r *PostgresRepository) Update(ctx context.Context, id string, fn func(u *User) error) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrUserNotFound
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		return User{}, err
	}
	if err := fn(&user); err != nil {
		return User{}, err
	}
	if err := user.Role.valid(); err != nil {
		return User{}, err
	}

	g := garageColumns(user)
	if _, err := tx.Exec(ctx, `UPDATE users SET name = $1, role = $2, garage_name = $3, address = $4,
        lat = $5, lng = $6, services_offered = $7, photo_url = $8 WHERE id = $9`,
		user.Name, string(user.Role), g.name, g.address, g.lat, g.lng, g.services, g.photo, userID); err != nil {
		return User{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}
	return user, nil
}

// SetOTP overwrites the login OTP slot.
func (r *PostgresRepository) SetOTP(ctx context.Context, id string, slot otp.Slot) error {
	userID, err := uuid.Parse(id)
	if err != nil {
		return ErrUserNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE users SET otp_hash = $1, otp_expires_at = $2 WHERE id = $3`,
		nullString(slot.Hash), nullTime(slot.ExpiresAt), userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ConsumeOTP clears the slot if it still holds hash.
func (r *PostgresRepository) ConsumeOTP(ctx context.Context, id, hash string) (bool, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return false, ErrUserNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE users SET otp_hash = NULL, otp_expires_at = NULL
        WHERE id = $1 AND otp_hash = $2`, userID, hash)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// ListGarages returns garages ordered by completed services.
func (r *PostgresRepository) ListGarages(ctx context.Context, limit int) ([]User, error) {
	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE role = $1
        ORDER BY total_services DESC, created_at ASC LIMIT $2`, string(RoleGarage), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (User, error) {
	var (
		id         uuid.UUID
		u          User
		role       string
		garageName string
		address    string
		lat, lng   *float64
		services   []string
		photo      string
		otpHash    string
		otpExpires *time.Time
		createdAt  time.Time
	)
	if err := row.Scan(&id, &u.Phone, &u.Name, &role, &garageName, &address, &lat, &lng, &services,
		&photo, &u.Stats.TotalServices, &u.Stats.TotalEarnings, &u.Stats.Rating, &otpHash, &otpExpires, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.ID = id.String()
	u.Role = Role(role)
	u.CreatedAt = createdAt.UTC()
	if u.Role == RoleGarage {
		u.Garage = &GarageProfile{GarageName: garageName, Address: address, ServicesOffered: services, PhotoURL: photo}
		if lat != nil && lng != nil {
			u.Garage.Location = &Location{Lat: *lat, Lng: *lng}
		}
	}
	if otpHash != "" && otpExpires != nil {
		u.OTP = otp.Slot{Hash: otpHash, ExpiresAt: otpExpires.UTC()}
	}
	return u, nil
}

type garageRow struct {
	name, address, photo *string
	lat, lng             *float64
	services             []string
}

func garageColumns(u User) garageRow {
	row := garageRow{services: []string{}}
	if u.Garage == nil {
		return row
	}
	g := u.Garage
	row.name, row.address, row.photo = nullString(g.GarageName), nullString(g.Address), nullString(g.PhotoURL)
	if g.Location != nil {
		row.lat, row.lng = &g.Location.Lat, &g.Location.Lng
	}
	if g.ServicesOffered != nil {
		row.services = g.ServicesOffered
	}
	return row
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
