// Package errorlog implements the deduplicated Error Log: every
// pipeline failure and background critical error is fingerprinted so
// repeat occurrences of the same underlying fault increment a counter
// instead of flooding the table with near-identical rows.
package errorlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	uuidRe      = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	durationRe  = regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|m|h)\b`)
	urlRe       = regexp.MustCompile(`https?://[^\s"']+`)
	numberRe    = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
)

// Fingerprint normalizes an error message by replacing timestamps,
// UUIDs, durations, URLs, and bare numbers with canonical tokens, then
// lowercases and joins it with operation and errorCode — two messages
// that differ only in their volatile details collapse to the same
// fingerprint.
func Fingerprint(message, operation, errorCode string) string {
	m := timestampRe.ReplaceAllString(message, "<ts>")
	m = uuidRe.ReplaceAllString(m, "<uuid>")
	m = urlRe.ReplaceAllString(m, "<url>")
	m = durationRe.ReplaceAllString(m, "<duration>")
	m = numberRe.ReplaceAllString(m, "<n>")
	m = strings.ToLower(strings.TrimSpace(m))
	return strings.Join([]string{operation, errorCode, m}, "|")
}

// Log is the Error Log component, backed by the same PostgreSQL
// instance as the Credit Ledger.
type Log struct {
	db  *sql.DB
	log zerolog.Logger
}

func New(db *sql.DB, log zerolog.Logger) *Log {
	return &Log{db: db, log: log.With().Str("component", "error_log").Logger()}
}

// Entry is one recorded (and possibly deduplicated) error.
type Entry struct {
	ID              string
	Fingerprint     string
	UserID          string
	Level           string
	Source          string
	Operation       string
	StatusCode      int
	Message         string
	Context         map[string]interface{}
	OccurrenceCount int
}

// Log records an error, upserting by fingerprint: a repeat occurrence
// increments occurrence_count and bumps last_occurrence rather than
// inserting a new row.
func (l *Log) Log(ctx context.Context, userID, operation, source, level, message string, statusCode int, ctxData map[string]interface{}) {
	fp := Fingerprint(message, operation, errorCodeFrom(ctxData))

	contextJSON := marshalContext(ctxData)

	var userIDArg interface{}
	if userID != "" {
		userIDArg = userID
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO error_logs (id, fingerprint, user_id, level, source, operation, status_code, message, context, first_occurrence, last_occurrence, occurrence_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now(), 1)
		ON CONFLICT (fingerprint) DO UPDATE SET
			occurrence_count = error_logs.occurrence_count + 1,
			last_occurrence = now(),
			status_code = EXCLUDED.status_code,
			message = EXCLUDED.message,
			context = EXCLUDED.context
	`, uuid.New().String(), fp, userIDArg, level, source, operation, statusCode, message, contextJSON)
	if err != nil {
		l.log.Error().Err(err).Str("fingerprint", fp).Msg("error log write failed")
	}
}

func errorCodeFrom(ctxData map[string]interface{}) string {
	if ctxData == nil {
		return ""
	}
	if code, ok := ctxData["code"].(string); ok {
		return code
	}
	return ""
}

func marshalContext(ctxData map[string]interface{}) []byte {
	if ctxData == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(ctxData)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Resolve marks an error_logs row resolved, e.g. from an operator CLI.
func (l *Log) Resolve(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE error_logs SET resolved = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("errorlog: resolve: %w", err)
	}
	return nil
}
