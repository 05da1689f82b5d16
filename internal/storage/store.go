package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5000

// Store wraps the SQLite handle and exposes the visitor record operations
// used by the service layer.
type Store struct {
	db *sql.DB
}

// FormData maps a form page name to that page's submitted field values.
// Pages accumulate as the visitor walks the multi-step flow; an empty map
// for a page still counts as a page entry.
type FormData map[string]map[string]string

// Metadata captures the technical details recorded when a session first
// connects.
type Metadata struct {
	IPAddress      string `json:"ipAddress,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
	OS             string `json:"os,omitempty"`
	OSVersion      string `json:"osVersion,omitempty"`
	Device         string `json:"device,omitempty"`
	DeviceModel    string `json:"deviceModel,omitempty"`
	Country        string `json:"country,omitempty"`
	CountryCode    string `json:"countryCode,omitempty"`
	City           string `json:"city,omitempty"`
}

// Visitor represents a row in the visitors table.
type Visitor struct {
	ID          int64
	SessionID   string
	IsOnline    bool
	LastSeen    time.Time
	IsRead      bool
	IsFavorite  bool
	CurrentPage string
	FormData    FormData
	Meta        Metadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ErrNotFound is returned when a mutation targets a visitor id that no
// longer exists.
var ErrNotFound = errors.New("visitor not found")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "visitorhub.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS visitors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			is_online INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			is_read INTEGER NOT NULL DEFAULT 0,
			is_favorite INTEGER NOT NULL DEFAULT 0,
			current_page TEXT,
			form_data TEXT,
			ip_address TEXT,
			user_agent TEXT,
			browser TEXT,
			browser_version TEXT,
			os TEXT,
			os_version TEXT,
			device TEXT,
			device_model TEXT,
			country TEXT,
			country_code TEXT,
			city TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_visitors_updated_at ON visitors(updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_visitors_session ON visitors(session_id);`,
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
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const visitorColumns = `id, session_id, is_online, last_seen, is_read, is_favorite,
	current_page, form_data, ip_address, user_agent, browser, browser_version,
	os, os_version, device, device_model, country, country_code, city,
	created_at, updated_at`

func scanVisitor(row interface{ Scan(...any) error }) (*Visitor, error) {
	var v Visitor
	var currentPage, formData sql.NullString
	var meta [11]sql.NullString
	err := row.Scan(
		&v.ID, &v.SessionID, &v.IsOnline, &v.LastSeen, &v.IsRead, &v.IsFavorite,
		&currentPage, &formData,
		&meta[0], &meta[1], &meta[2], &meta[3], &meta[4], &meta[5],
		&meta[6], &meta[7], &meta[8], &meta[9], &meta[10],
		&v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.CurrentPage = currentPage.String
	v.Meta = Metadata{
		IPAddress: meta[0].String, UserAgent: meta[1].String,
		Browser: meta[2].String, BrowserVersion: meta[3].String,
		OS: meta[4].String, OSVersion: meta[5].String,
		Device: meta[6].String, DeviceModel: meta[7].String,
		Country: meta[8].String, CountryCode: meta[9].String, City: meta[10].String,
	}
	v.FormData = FormData{}
	if formData.Valid && formData.String != "" {
		if err := json.Unmarshal([]byte(formData.String), &v.FormData); err != nil {
			return nil, fmt.Errorf("decode form data for visitor %d: %w", v.ID, err)
		}
	}
	return &v, nil
}

// GetAll returns every visitor ordered by last update, newest first.
func (s *Store) GetAll(ctx context.Context) ([]Visitor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+visitorColumns+` FROM visitors ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visitors []Visitor
	for rows.Next() {
		v, err := scanVisitor(rows)
		if err != nil {
			return nil, err
		}
		visitors = append(visitors, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return visitors, nil
}

// GetByID fetches a visitor by primary key. Returns nil when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*Visitor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+visitorColumns+` FROM visitors WHERE id = ?`, id)
	v, err := scanVisitor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// GetBySession fetches a visitor by session identifier. Returns nil when absent.
func (s *Store) GetBySession(ctx context.Context, sessionID string) (*Visitor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+visitorColumns+` FROM visitors WHERE session_id = ?`, sessionID)
	v, err := scanVisitor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// UpsertActivity records a connection or page event for a session, creating
// the visitor row on first sight. It reports the row id and whether the row
// was newly created.
func (s *Store) UpsertActivity(ctx context.Context, sessionID, page string, ts time.Time, meta Metadata) (int64, bool, error) {
	ts = ts.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM visitors WHERE session_id = ?`, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `INSERT INTO visitors(
				session_id, is_online, last_seen, current_page,
				ip_address, user_agent, browser, browser_version, os, os_version,
				device, device_model, country, country_code, city,
				created_at, updated_at
			) VALUES(?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, ts, nullable(page),
			meta.IPAddress, meta.UserAgent, meta.Browser, meta.BrowserVersion,
			meta.OS, meta.OSVersion, meta.Device, meta.DeviceModel,
			meta.Country, meta.CountryCode, meta.City,
			ts, ts)
		if err != nil {
			return 0, false, err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, false, err
		}
		if err = tx.Commit(); err != nil {
			return 0, false, err
		}
		return id, true, nil
	}
	if err != nil {
		return 0, false, err
	}

	if page != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE visitors SET is_online = 1, last_seen = ?, current_page = ?, updated_at = ? WHERE id = ?`,
			ts, page, ts, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE visitors SET is_online = 1, last_seen = ?, updated_at = ? WHERE id = ?`,
			ts, ts, id)
	}
	if err != nil {
		return 0, false, err
	}
	if err = tx.Commit(); err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// MergeFormData folds one page's submitted fields into the stored payload.
// Field values overwrite previous submissions of the same field; other pages
// are untouched. ErrNotFound when the session has no row.
func (s *Store) MergeFormData(ctx context.Context, sessionID, page string, fields map[string]string, ts time.Time) (int64, error) {
	ts = ts.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id int64
	var raw sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT id, form_data FROM visitors WHERE session_id = ?`, sessionID).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return 0, err
	}
	if err != nil {
		return 0, err
	}

	data := FormData{}
	if raw.Valid && raw.String != "" {
		if err = json.Unmarshal([]byte(raw.String), &data); err != nil {
			return 0, fmt.Errorf("decode form data for session %s: %w", sessionID, err)
		}
	}
	pageFields := data[page]
	if pageFields == nil {
		pageFields = map[string]string{}
	}
	for k, val := range fields {
		pageFields[k] = val
	}
	data[page] = pageFields

	var encoded []byte
	encoded, err = json.Marshal(data)
	if err != nil {
		return 0, err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE visitors SET form_data = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		string(encoded), ts, ts, id); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// MarkRead sets the read flag. Reports whether the flag actually changed;
// marking an already-read visitor is a no-op, not an error.
func (s *Store) MarkRead(ctx context.Context, id int64) (bool, error) {
	return s.setFlag(ctx, id, "is_read", true)
}

// SetFavorite sets the favorite flag to exactly the desired value.
func (s *Store) SetFavorite(ctx context.Context, id int64, favorite bool) (bool, error) {
	return s.setFlag(ctx, id, "is_favorite", favorite)
}

func (s *Store) setFlag(ctx context.Context, id int64, column string, value bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current bool
	err = tx.QueryRowContext(ctx, `SELECT `+column+` FROM visitors WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return false, err
	}
	if err != nil {
		return false, err
	}
	if current == value {
		err = tx.Commit()
		return false, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE visitors SET `+column+` = ? WHERE id = ?`, value, id); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// SetOnline reconciles the persisted online flag for a session and reports
// the affected row id, 0 when the session has no row. A missing row is not
// an error; the live tracker remains authoritative for reads.
func (s *Store) SetOnline(ctx context.Context, sessionID string, online bool, lastSeen time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM visitors WHERE session_id = ?`, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE visitors SET is_online = ?, last_seen = ? WHERE id = ?`,
		online, lastSeen.UTC(), id)
	return id, err
}

// MarkAllOffline resets every persisted online flag. Run at startup, since
// presence state does not survive a restart.
func (s *Store) MarkAllOffline(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE visitors SET is_online = 0`)
	return err
}

// Deleted identifies one removed visitor row.
type Deleted struct {
	ID        int64
	SessionID string
}

// DeleteByIDs removes the given visitors in a single transaction and returns
// the rows that actually existed. Unknown ids are silently skipped.
func (s *Store) DeleteByIDs(ctx context.Context, ids []int64) ([]Deleted, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, session_id FROM visitors WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	var removed []Deleted
	for rows.Next() {
		var d Deleted
		if err = rows.Scan(&d.ID, &d.SessionID); err != nil {
			rows.Close()
			return nil, err
		}
		removed = append(removed, d)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(removed) > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM visitors WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return removed, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
