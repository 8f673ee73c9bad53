package routines

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound marks a lookup that matched no routine.
var ErrNotFound = errors.New("routine not found")

const routineColumns = `id, user_profile_id, username, name, scheduled_time,
	mon_to_fri, phone_number, preferences, created_at, updated_at`

// Store persists routines in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open routine store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping routine store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies any pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() {
		if err := db.Close(); err != nil {
			s.logger.Warn("closing migration connection", "error", err)
		}
	}()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply routine migrations: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoutine(row rowScanner) (*Routine, error) {
	var (
		r     Routine
		prefs []byte
	)
	err := row.Scan(&r.ID, &r.UserProfileID, &r.Username, &r.Name, &r.ScheduledTime,
		&r.MonToFri, &r.PhoneNumber, &prefs, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &r.Preferences); err != nil {
			return nil, fmt.Errorf("decode routine preferences: %w", err)
		}
	}
	return &r, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*Routine, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+routineColumns+` FROM routines WHERE id = $1`, id)
	r, err := scanRoutine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get routine %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) GetByPhoneNumber(ctx context.Context, phoneNumber string) (*Routine, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+routineColumns+` FROM routines WHERE phone_number = $1
		 ORDER BY created_at LIMIT 1`, phoneNumber)
	r, err := scanRoutine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get routine by phone number: %w", err)
	}
	return r, nil
}

func (s *Store) ListByUserProfileID(ctx context.Context, userProfileID string) ([]*Routine, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+routineColumns+` FROM routines WHERE user_profile_id = $1
		 ORDER BY created_at`, userProfileID)
	if err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	defer rows.Close()

	var out []*Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, fmt.Errorf("list routines: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, r *Routine) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	prefs, err := json.Marshal(r.Preferences)
	if err != nil {
		return fmt.Errorf("encode routine preferences: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO routines (`+routineColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.UserProfileID, r.Username, r.Name, r.ScheduledTime,
		r.MonToFri, r.PhoneNumber, prefs, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create routine: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, r *Routine) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()

	prefs, err := json.Marshal(r.Preferences)
	if err != nil {
		return fmt.Errorf("encode routine preferences: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE routines SET user_profile_id = $2, username = $3, name = $4,
		 scheduled_time = $5, mon_to_fri = $6, phone_number = $7,
		 preferences = $8, updated_at = $9
		 WHERE id = $1`,
		r.ID, r.UserProfileID, r.Username, r.Name, r.ScheduledTime,
		r.MonToFri, r.PhoneNumber, prefs, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update routine %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM routines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete routine %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
