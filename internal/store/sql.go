package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/visiongate/visiongate/internal/model"
)

// Supported SQL dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// SQLStore is a KeyStore backed by SQLite, PostgreSQL or MySQL via sqlx.
// Queries are written with ? placeholders and rebound per driver.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
}

// OpenSQLite opens (or creates) the SQLite database under dataDir.
// Pass an empty string for a private in-memory database.
func OpenSQLite(dataDir string) (*SQLStore, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "visiongate.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return OpenSQL(context.Background(), DialectSQLite, dsn)
}

// OpenSQL connects to the database, applies migrations and returns the store.
func OpenSQL(ctx context.Context, dialect, dsn string) (*SQLStore, error) {
	driver, err := driverName(dialect)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s key store: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	}

	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate key store: %w", err)
	}
	return s, nil
}

// NewSQLStore wraps an existing connection without running migrations.
func NewSQLStore(db *sqlx.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func driverName(dialect string) (string, error) {
	switch dialect {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "pgx", nil
	case DialectMySQL:
		return "mysql", nil
	}
	return "", fmt.Errorf("unsupported sql dialect %q", dialect)
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

// keyRow maps 1:1 to the api_keys table. Timestamps are unix nanoseconds
// and sets are comma-joined so the schema is identical on every dialect.
type keyRow struct {
	KeyHash     string        `db:"key_hash"`
	KeyPrefix   string        `db:"key_prefix"`
	UserID      string        `db:"user_id"`
	Name        string        `db:"name"`
	Permissions string        `db:"permissions"`
	IPWhitelist string        `db:"ip_whitelist"`
	CreatedAt   int64         `db:"created_at"`
	ExpiresAt   sql.NullInt64 `db:"expires_at"`
	IsActive    bool          `db:"is_active"`
	LastUsedAt  sql.NullInt64 `db:"last_used_at"`
	UsageCount  int64         `db:"usage_count"`
}

const keyColumns = `key_hash, key_prefix, user_id, name, permissions, ip_whitelist,
	created_at, expires_at, is_active, last_used_at, usage_count`

func keyRowFromModel(rec *model.APIKeyRecord) keyRow {
	return keyRow{
		KeyHash:     rec.KeyHash,
		KeyPrefix:   rec.KeyPrefix,
		UserID:      rec.UserID,
		Name:        rec.Name,
		Permissions: joinSet(rec.Permissions),
		IPWhitelist: joinSet(rec.IPWhitelist),
		CreatedAt:   rec.CreatedAt.UnixNano(),
		ExpiresAt:   nullNanos(rec.ExpiresAt),
		IsActive:    rec.IsActive,
		LastUsedAt:  nullNanos(rec.LastUsedAt),
		UsageCount:  rec.UsageCount,
	}
}

func (r keyRow) toModel() model.APIKeyRecord {
	return model.APIKeyRecord{
		KeyHash:     r.KeyHash,
		KeyPrefix:   r.KeyPrefix,
		UserID:      r.UserID,
		Name:        r.Name,
		Permissions: splitSet(r.Permissions),
		IPWhitelist: splitSet(r.IPWhitelist),
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		ExpiresAt:   timeFromNanos(r.ExpiresAt),
		IsActive:    r.IsActive,
		LastUsedAt:  timeFromNanos(r.LastUsedAt),
		UsageCount:  r.UsageCount,
	}
}

type logRow struct {
	ID           string `db:"id"`
	KeyHash      string `db:"key_hash"`
	ClientIP     string `db:"client_ip"`
	Endpoint     string `db:"endpoint"`
	Timestamp    int64  `db:"ts"`
	ResponseCode int    `db:"response_code"`
}

func (r logRow) toModel() model.UsageLogEntry {
	return model.UsageLogEntry{
		ID:           r.ID,
		KeyHash:      r.KeyHash,
		ClientIP:     r.ClientIP,
		Endpoint:     r.Endpoint,
		Timestamp:    time.Unix(0, r.Timestamp).UTC(),
		ResponseCode: r.ResponseCode,
	}
}

// ---------------------------------------------------------------------------
// API key records
// ---------------------------------------------------------------------------

func (s *SQLStore) Put(ctx context.Context, rec *model.APIKeyRecord) error {
	q := `INSERT INTO api_keys (` + keyColumns + `) VALUES
		(:key_hash, :key_prefix, :user_id, :name, :permissions, :ip_whitelist,
		:created_at, :expires_at, :is_active, :last_used_at, :usage_count)`

	if _, err := s.db.NamedExecContext(ctx, q, keyRowFromModel(rec)); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, keyHash string) (*model.APIKeyRecord, error) {
	var row keyRow
	q := s.db.Rebind(`SELECT ` + keyColumns + ` FROM api_keys WHERE key_hash = ?`)
	if err := s.db.GetContext(ctx, &row, q, keyHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	rec := row.toModel()
	return &rec, nil
}

func (s *SQLStore) Update(ctx context.Context, keyHash string, upd model.KeyUpdate) error {
	var (
		sets []string
		args []any
	)
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.SetPermissions {
		sets = append(sets, "permissions = ?")
		args = append(args, joinSet(upd.Permissions))
	}
	if upd.SetIPWhitelist {
		sets = append(sets, "ip_whitelist = ?")
		args = append(args, joinSet(upd.IPWhitelist))
	}
	if upd.ClearExpiry {
		sets = append(sets, "expires_at = NULL")
	} else if upd.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, upd.ExpiresAt.UnixNano())
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update api key: %w", err)
	}
	defer tx.Rollback()

	if err := s.requireKey(ctx, tx, keyHash); err != nil {
		return err
	}
	if len(sets) > 0 {
		q := s.db.Rebind(`UPDATE api_keys SET ` + strings.Join(sets, ", ") + ` WHERE key_hash = ?`)
		if _, err := tx.ExecContext(ctx, q, append(args, keyHash)...); err != nil {
			return fmt.Errorf("update api key: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update api key: %w", err)
	}
	return nil
}

func (s *SQLStore) Deactivate(ctx context.Context, keyHash string) (bool, error) {
	q := s.db.Rebind(`UPDATE api_keys SET is_active = ? WHERE key_hash = ? AND is_active = ?`)
	result, err := s.db.ExecContext(ctx, q, false, keyHash, true)
	if err != nil {
		return false, fmt.Errorf("deactivate api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate api key rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if err := s.requireKey(ctx, s.db, keyHash); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) QueryByField(ctx context.Context, field Field, value string) ([]model.APIKeyRecord, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("query by field: unsupported field %q", field)
	}
	var rows []keyRow
	// field is one of the Field constants, never user input.
	q := s.db.Rebind(`SELECT ` + keyColumns + ` FROM api_keys WHERE ` + string(field) +
		` = ? ORDER BY created_at DESC, key_hash`)
	if err := s.db.SelectContext(ctx, &rows, q, value); err != nil {
		return nil, fmt.Errorf("query api keys by %s: %w", field, err)
	}
	return keyRowsToModel(rows), nil
}

func (s *SQLStore) List(ctx context.Context) ([]model.APIKeyRecord, error) {
	var rows []keyRow
	q := `SELECT ` + keyColumns + ` FROM api_keys ORDER BY created_at DESC, key_hash`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keyRowsToModel(rows), nil
}

func (s *SQLStore) Delete(ctx context.Context, keyHash string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM api_keys WHERE key_hash = ?`), keyHash)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Usage log
// ---------------------------------------------------------------------------

func (s *SQLStore) AppendLog(ctx context.Context, entry *model.UsageLogEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append usage log: %w", err)
	}
	defer tx.Rollback()

	ts := entry.Timestamp.UnixNano()
	insert := s.db.Rebind(`INSERT INTO api_usage_log
		(id, key_hash, client_ip, endpoint, ts, response_code) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		entry.ID, entry.KeyHash, entry.ClientIP, entry.Endpoint, ts, entry.ResponseCode); err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}

	// The increment happens server-side so concurrent events never race.
	bump := s.db.Rebind(`UPDATE api_keys
		SET usage_count = usage_count + 1, last_used_at = ? WHERE key_hash = ?`)
	if _, err := tx.ExecContext(ctx, bump, ts, entry.KeyHash); err != nil {
		return fmt.Errorf("increment usage count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage log: %w", err)
	}
	return nil
}

func (s *SQLStore) QueryLogs(ctx context.Context, keyHash string, since time.Time) ([]model.UsageLogEntry, error) {
	var rows []logRow
	q := s.db.Rebind(`SELECT id, key_hash, client_ip, endpoint, ts, response_code
		FROM api_usage_log WHERE key_hash = ? AND ts >= ? ORDER BY ts DESC`)
	if err := s.db.SelectContext(ctx, &rows, q, keyHash, since.UnixNano()); err != nil {
		return nil, fmt.Errorf("query usage log: %w", err)
	}
	out := make([]model.UsageLogEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Classification history
// ---------------------------------------------------------------------------

// classificationRow maps to the classifications table. Predictions are kept
// as a JSON array.
type classificationRow struct {
	ID           string  `db:"id"`
	UserID       string  `db:"user_id"`
	KeyHash      string  `db:"key_hash"`
	ImageName    string  `db:"image_name"`
	ContentType  string  `db:"content_type"`
	Predictions  string  `db:"predictions"`
	Model        string  `db:"model"`
	ProcessingMS float64 `db:"processing_ms"`
	CreatedAt    int64   `db:"created_at"`
}

const classificationColumns = `id, user_id, key_hash, image_name, content_type,
	predictions, model, processing_ms, created_at`

func (r classificationRow) toModel() (model.Classification, error) {
	c := model.Classification{
		ID:           r.ID,
		UserID:       r.UserID,
		KeyHash:      r.KeyHash,
		ImageName:    r.ImageName,
		ContentType:  r.ContentType,
		Model:        r.Model,
		ProcessingMS: r.ProcessingMS,
		CreatedAt:    time.Unix(0, r.CreatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Predictions), &c.Predictions); err != nil {
		return c, fmt.Errorf("decode predictions of %s: %w", r.ID, err)
	}
	return c, nil
}

func (s *SQLStore) SaveClassification(ctx context.Context, rec *model.Classification) error {
	preds, err := json.Marshal(rec.Predictions)
	if err != nil {
		return fmt.Errorf("encode predictions: %w", err)
	}
	row := classificationRow{
		ID:           rec.ID,
		UserID:       rec.UserID,
		KeyHash:      rec.KeyHash,
		ImageName:    rec.ImageName,
		ContentType:  rec.ContentType,
		Predictions:  string(preds),
		Model:        rec.Model,
		ProcessingMS: rec.ProcessingMS,
		CreatedAt:    rec.CreatedAt.UnixNano(),
	}
	q := `INSERT INTO classifications (` + classificationColumns + `) VALUES
		(:id, :user_id, :key_hash, :image_name, :content_type,
		:predictions, :model, :processing_ms, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert classification: %w", err)
	}
	return nil
}

func (s *SQLStore) GetClassification(ctx context.Context, id string) (*model.Classification, error) {
	var row classificationRow
	q := s.db.Rebind(`SELECT ` + classificationColumns + ` FROM classifications WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get classification: %w", err)
	}
	c, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) ListClassifications(ctx context.Context, userID string, limit int) ([]model.Classification, error) {
	q := `SELECT ` + classificationColumns + ` FROM classifications
		WHERE user_id = ? ORDER BY created_at DESC, id`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []classificationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list classifications: %w", err)
	}
	out := make([]model.Classification, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *SQLStore) requireKey(ctx context.Context, q sqlx.QueryerContext, keyHash string) error {
	var n int
	if err := sqlx.GetContext(ctx, q, &n,
		s.db.Rebind(`SELECT COUNT(*) FROM api_keys WHERE key_hash = ?`), keyHash); err != nil {
		return fmt.Errorf("lookup api key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func keyRowsToModel(rows []keyRow) []model.APIKeyRecord {
	out := make([]model.APIKeyRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out
}

func joinSet(vals []string) string {
	return strings.Join(vals, ",")
}

func splitSet(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

// isUniqueViolation recognises primary key conflicts across drivers.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	// modernc.org/sqlite reports constraint failures only through the message.
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed")
}
