package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"feeledger/internal/core"
	"feeledger/internal/records"
)

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Dialect selects the SQL flavour of a Repository.
type Dialect string

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// monthColumns holds the ledger column of each month, January first.
var monthColumns = [core.MonthsPerYear]string{
	"jan", "feb", "mar", "apr", "may", "jun",
	"jul", "aug", "sep", "oct", "nov", "dec",
}

const studentColumns = "id, name, class_id, roll_number, previous_dues, " +
	"jan, feb, mar, apr, may, jun, jul, aug, sep, oct, nov, dec"

// Repository stores classes and student ledgers in SQLite or Postgres.
type Repository struct {
	db      *sql.DB
	dialect Dialect
}

var _ records.Store = (*Repository)(nil)

// NewSQLiteRepository opens (creating if needed) the database at dbPath and
// migrates it.
func NewSQLiteRepository(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	return open(SQLite, dbPath)
}

// NewPostgresRepository connects to dsn through pgx and migrates it.
func NewPostgresRepository(dsn string) (*Repository, error) {
	return open(Postgres, dsn)
}

func open(d Dialect, dsn string) (*Repository, error) {
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if d == SQLite {
		// one writer keeps conditional updates serialized
		db.SetMaxOpenConns(1)
	}
	if err := RunMigrations(d, dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Repository{db: db, dialect: d}, nil
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for Postgres.
func (r *Repository) rebind(query string) string {
	if r.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func monthColumn(m core.Month) (string, error) {
	if !m.Valid() {
		return "", fmt.Errorf("%w: %d", core.ErrInvalidMonth, int(m))
	}
	return monthColumns[m], nil
}

// SaveClass inserts or updates a class.
func (r *Repository) SaveClass(ctx context.Context, c core.Class) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO classes (id, name, fee_amount) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, fee_amount = excluded.fee_amount`),
		c.ID, c.Name, c.FeeAmount)
	if err != nil {
		return fmt.Errorf("save class %s: %w", c.ID, err)
	}
	return nil
}

// SaveStudent inserts or updates a student with the full ledger.
func (r *Repository) SaveStudent(ctx context.Context, s core.Student) error {
	if err := s.Validate(); err != nil {
		return err
	}
	sets := make([]string, 0, 4+core.MonthsPerYear)
	for _, col := range []string{"name", "class_id", "roll_number", "previous_dues"} {
		sets = append(sets, col+" = excluded."+col)
	}
	for _, col := range monthColumns {
		sets = append(sets, col+" = excluded."+col)
	}
	query := "INSERT INTO students (" + studentColumns + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", 5+core.MonthsPerYear), ", ") +
		") ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ")

	args := []any{s.ID, s.Name, s.ClassID, s.RollNumber, s.Ledger.PreviousDues}
	for _, raw := range s.Ledger.Months {
		args = append(args, raw)
	}
	if _, err := r.db.ExecContext(ctx, r.rebind(query), args...); err != nil {
		return fmt.Errorf("save student %s: %w", s.ID, err)
	}
	return nil
}

func (r *Repository) GetClass(ctx context.Context, id string) (core.Class, error) {
	var c core.Class
	err := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT id, name, fee_amount FROM classes WHERE id = ?`), id).
		Scan(&c.ID, &c.Name, &c.FeeAmount)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Class{}, fmt.Errorf("class %s: %w", id, records.ErrNotFound)
	}
	if err != nil {
		return core.Class{}, fmt.Errorf("get class %s: %w", id, err)
	}
	return c, nil
}

func (r *Repository) ListClasses(ctx context.Context) ([]core.Class, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, fee_amount FROM classes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	defer rows.Close()

	var out []core.Class
	for rows.Next() {
		var c core.Class
		if err := rows.Scan(&c.ID, &c.Name, &c.FeeAmount); err != nil {
			return nil, fmt.Errorf("scan class: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(row scanner) (core.Student, error) {
	var (
		s      core.Student
		prev   decimal.Decimal
		months [core.MonthsPerYear]sql.NullString
	)
	dest := []any{&s.ID, &s.Name, &s.ClassID, &s.RollNumber, &prev}
	for i := range months {
		dest = append(dest, &months[i])
	}
	if err := row.Scan(dest...); err != nil {
		return core.Student{}, err
	}
	s.Ledger.PreviousDues = prev
	for i, m := range months {
		s.Ledger.Months[i] = m.String
	}
	return s, nil
}

func (r *Repository) GetStudent(ctx context.Context, id string) (core.Student, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(
		"SELECT "+studentColumns+" FROM students WHERE id = ?"), id)
	s, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Student{}, fmt.Errorf("student %s: %w", id, records.ErrNotFound)
	}
	if err != nil {
		return core.Student{}, fmt.Errorf("get student %s: %w", id, err)
	}
	return s, nil
}

func (r *Repository) ListStudentsByClass(ctx context.Context, classID string) ([]core.Student, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(
		"SELECT "+studentColumns+" FROM students WHERE class_id = ? ORDER BY roll_number, id"), classID)
	if err != nil {
		return nil, fmt.Errorf("list students of %s: %w", classID, err)
	}
	defer rows.Close()

	var out []core.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkMonthDue writes the "Dues" marker when the month is unbilled. The
// condition is evaluated by the database so a concurrent payment is never
// overwritten.
func (r *Repository) MarkMonthDue(ctx context.Context, studentID string, month core.Month) (core.FieldState, error) {
	col, err := monthColumn(month)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, r.rebind(
		"UPDATE students SET "+col+" = ? WHERE id = ? AND ("+col+" IS NULL OR "+col+" IN ('', ?))"),
		core.DuesMarker, studentID, core.UnbilledMarker)
	if err != nil {
		return 0, fmt.Errorf("mark %s %s due: %w", studentID, month, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return core.StateUnbilled, nil
	}

	var raw sql.NullString
	err = r.db.QueryRowContext(ctx, r.rebind("SELECT "+col+" FROM students WHERE id = ?"), studentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("student %s: %w", studentID, records.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read %s %s: %w", studentID, month, err)
	}
	return core.Classify(raw.String), nil
}

// ForceMonthDue overwrites the month with the "Dues" marker.
func (r *Repository) ForceMonthDue(ctx context.Context, studentID string, month core.Month) error {
	col, err := monthColumn(month)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.rebind("UPDATE students SET "+col+" = ? WHERE id = ?"),
		core.DuesMarker, studentID)
	if err != nil {
		return fmt.Errorf("force %s %s due: %w", studentID, month, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("student %s: %w", studentID, records.ErrNotFound)
	}
	slog.DebugContext(ctx, "Month forced to due",
		"component", "storage", "student_id", studentID, "month", month.String())
	return nil
}

// SwapMonthField replaces the raw month value when it still equals old.
func (r *Repository) SwapMonthField(ctx context.Context, studentID string, month core.Month, old, new string) error {
	col, err := monthColumn(month)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.rebind(
		"UPDATE students SET "+col+" = ? WHERE id = ? AND COALESCE("+col+", '') = ?"),
		new, studentID, old)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", studentID, month, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", studentID, month, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetStudent(ctx, studentID); err != nil {
		return err
	}
	return records.ErrConflict
}
