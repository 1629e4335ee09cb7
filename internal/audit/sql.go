package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// SQL stores execution records in SQLite or PostgreSQL.
type SQL struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens the database and applies the schema. It is idempotent.
//
// SQLite is configured with WAL mode and a single connection, since it only
// supports one writer at a time.
func OpenSQL(driver, dsn string) (*SQL, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	schema := postgresSchema
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
		schema = sqliteSchema
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &SQL{db: db, driver: driver}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders as $n for postgres.
func (s *SQL) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Write inserts rec. Writing the same id twice keeps the first entry.
func (s *SQL) Write(ctx context.Context, rec ExecutionRecord) error {
	conds, err := json.Marshal(rec.ConditionsEvaluated)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	steps := rec.Steps
	if steps == nil {
		steps = []Step{}
	}
	actions, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO execution_records (
			id, rule_id, rule_name, rule_type, record_id, matched_at,
			conditions_evaluated, actions_executed,
			actions_attempted, actions_succeeded, actions_skipped,
			outcome, duration_ms, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), rec.ID, rec.RuleID, rec.RuleName, rec.RuleType, rec.RecordID, rec.MatchedAt.UTC(),
		string(conds), string(actions),
		rec.ActionsAttempted, rec.ActionsSucceeded, rec.ActionsSkipped,
		string(rec.Outcome), rec.DurationMs, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}
	return nil
}

// List returns matching records, newest first.
func (s *SQL) List(ctx context.Context, q Query) ([]ExecutionRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, q.RuleID)
	}
	if q.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, q.RecordID)
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(q.Outcome))
	}
	query := `SELECT id, rule_id, rule_name, rule_type, record_id, matched_at,
		conditions_evaluated, actions_executed,
		actions_attempted, actions_succeeded, actions_skipped,
		outcome, duration_ms, error_message
		FROM execution_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY matched_at DESC, id DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	out := make([]ExecutionRecord, 0)
	for rows.Next() {
		var (
			rec            ExecutionRecord
			conds, actions []byte
			outcome        string
		)
		if err := rows.Scan(&rec.ID, &rec.RuleID, &rec.RuleName, &rec.RuleType, &rec.RecordID, &rec.MatchedAt,
			&conds, &actions,
			&rec.ActionsAttempted, &rec.ActionsSucceeded, &rec.ActionsSkipped,
			&outcome, &rec.DurationMs, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		if err := json.Unmarshal(conds, &rec.ConditionsEvaluated); err != nil {
			return nil, fmt.Errorf("decode conditions of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal(actions, &rec.Steps); err != nil {
			return nil, fmt.Errorf("decode actions of %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
