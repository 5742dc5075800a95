package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the sqlite-backed store and applies
// migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- accounts ----

func (s *sqliteStore) CreateAccount(ctx context.Context, name string) (Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Account{}, errors.New("account name is empty")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(name, status, created_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO NOTHING`,
		name, string(AccountUninitialized), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Account{}, err
	}
	return s.AccountByName(ctx, name)
}

func (s *sqliteStore) AccountByName(ctx context.Context, name string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at FROM accounts WHERE name = ?`, name)
	return scanAccount(row)
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, created_at FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetAccountStatus(ctx context.Context, id int64, status AccountStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanAccount(r rowScanner) (Account, error) {
	var a Account
	var status, created string
	if err := r.Scan(&a.ID, &a.Name, &status, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	a.Status = AccountStatus(status)
	a.CreatedAt = parseTime(created)
	return a, nil
}

// ---- join queue ----

func (s *sqliteStore) InsertPending(ctx context.Context, accountID int64, link string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO join_queue(account_id, link, status, added_at) VALUES(?,?,?,?)
		 ON CONFLICT(account_id, link) DO NOTHING`,
		accountID, link, string(StatusPending), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrDuplicate
	}
	return res.LastInsertId()
}

func (s *sqliteStore) FetchPending(ctx context.Context, accountID int64, limit int) ([]JoinRequest, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, link, status, attempts, last_attempt, result_message, added_at, completed_at
		 FROM join_queue
		 WHERE account_id = ? AND status = ?
		 ORDER BY added_at ASC, id ASC
		 LIMIT ?`,
		accountID, string(StatusPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JoinRequest
	for rows.Next() {
		r, err := scanJoinRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateStatus records a status transition. The processing transition
// bumps attempts and stamps last_attempt in the same statement so a
// crash cannot separate the two; a terminal completed transition also
// stamps completed_at.
func (s *sqliteStore) UpdateStatus(ctx context.Context, id int64, status JoinStatus, message string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var res sql.Result
	var err error
	switch status {
	case StatusProcessing:
		res, err = s.db.ExecContext(ctx,
			`UPDATE join_queue
			 SET status = ?, attempts = attempts + 1, last_attempt = ?
			 WHERE id = ?`,
			string(status), now, id)
	case StatusCompleted:
		res, err = s.db.ExecContext(ctx,
			`UPDATE join_queue
			 SET status = ?, result_message = ?, last_attempt = ?, completed_at = ?
			 WHERE id = ?`,
			string(status), nullStr(message), now, now, id)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE join_queue
			 SET status = ?, result_message = ?, last_attempt = ?
			 WHERE id = ?`,
			string(status), nullStr(message), now, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) QueueStats(ctx context.Context, accountID int64) (QueueStats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM join_queue WHERE account_id = ?`,
		accountID,
	)
	var st QueueStats
	if err := row.Scan(&st.Total, &st.Pending, &st.Processing, &st.Completed, &st.Failed); err != nil {
		return QueueStats{}, err
	}
	return st, nil
}

// ClearQueue deletes queue entries for one account; an empty status
// clears everything.
func (s *sqliteStore) ClearQueue(ctx context.Context, accountID int64, status JoinStatus) (int64, error) {
	var res sql.Result
	var err error
	if status == "" {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM join_queue WHERE account_id = ?`, accountID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM join_queue WHERE account_id = ? AND status = ?`, accountID, string(status))
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM join_queue
		 WHERE status IN ('completed','failed')
		   AND COALESCE(completed_at, last_attempt, added_at) < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanJoinRequest(r rowScanner) (JoinRequest, error) {
	var jr JoinRequest
	var status string
	var lastAttempt, resultMessage, completedAt sql.NullString
	var added string
	if err := r.Scan(&jr.ID, &jr.AccountID, &jr.Link, &status, &jr.Attempts,
		&lastAttempt, &resultMessage, &added, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JoinRequest{}, ErrNotFound
		}
		return JoinRequest{}, err
	}
	jr.Status = JoinStatus(status)
	jr.AddedAt = parseTime(added)
	if lastAttempt.Valid {
		t := parseTime(lastAttempt.String)
		jr.LastAttempt = &t
	}
	if resultMessage.Valid {
		jr.ResultMessage = resultMessage.String
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		jr.CompletedAt = &t
	}
	return jr, nil
}

// ---- statistics ----

func (s *sqliteStore) UpsertCounter(ctx context.Context, accountID int64, date string, field CounterField, delta int) error {
	// Column name is interpolated: restrict to the known set.
	switch field {
	case CounterLinksCollected, CounterGroupsJoined, CounterGroupsFailed:
	default:
		return fmt.Errorf("unknown counter field %q", field)
	}
	q := fmt.Sprintf(
		`INSERT INTO statistics(account_id, date, %[1]s) VALUES(?,?,?)
		 ON CONFLICT(account_id, date) DO UPDATE SET %[1]s = %[1]s + excluded.%[1]s`,
		string(field),
	)
	_, err := s.db.ExecContext(ctx, q, accountID, date, delta)
	return err
}

func (s *sqliteStore) StatsForDate(ctx context.Context, accountID int64, date string) (DailyStat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT links_collected, groups_joined, groups_failed
		 FROM statistics WHERE account_id = ? AND date = ?`,
		accountID, date,
	)
	st := DailyStat{AccountID: accountID, Date: date}
	err := row.Scan(&st.LinksCollected, &st.GroupsJoined, &st.GroupsFailed)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil // zero counters for a day with no activity
	}
	if err != nil {
		return DailyStat{}, err
	}
	return st, nil
}

// ---- notifications ----

func (s *sqliteStore) InsertNotification(ctx context.Context, userID int64, message, ntype string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(user_id, message, type, created_at) VALUES(?,?,?,?)`,
		userID, message, ntype, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) MarkNotificationRead(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UnreadNotifications(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, message, type, is_read, created_at
		 FROM notifications
		 WHERE user_id = ? AND is_read = 0
		 ORDER BY id ASC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var read int
		var created string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.Type, &read, &created); err != nil {
			return nil, err
		}
		n.IsRead = read != 0
		n.CreatedAt = parseTime(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ---- helpers ----

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
