package errorlog

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_NormalizesVolatileDetails(t *testing.T) {
	msg1 := "request a1b2c3d4-e5f6-4789-a012-3456789abcde timed out after 523ms at 2026-07-31T10:00:00Z"
	msg2 := "request 9f8e7d6c-5b4a-4321-9876-fedcba098765 timed out after 891ms at 2026-07-31T10:05:12Z"

	fp1 := Fingerprint(msg1, "links", "timeout")
	fp2 := Fingerprint(msg2, "links", "timeout")
	assert.Equal(t, fp1, fp2, "fingerprints must collapse volatile timestamps/uuids/durations")
}

func TestFingerprint_DiffersByOperationAndCode(t *testing.T) {
	msg := "navigation failed"
	fp1 := Fingerprint(msg, "links", "timeout")
	fp2 := Fingerprint(msg, "screenshot", "timeout")
	fp3 := Fingerprint(msg, "links", "nav_error")
	assert.NotEqual(t, fp1, fp2)
	assert.NotEqual(t, fp1, fp3)
}

func TestFingerprint_NormalizesURLs(t *testing.T) {
	fp1 := Fingerprint("failed to fetch https://example.com/a/b?x=1", "scrape", "nav_timeout")
	fp2 := Fingerprint("failed to fetch https://other.example.org/c/d?y=2", "scrape", "nav_timeout")
	assert.Equal(t, fp1, fp2)
}

func TestLog_UpsertsByFingerprint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := New(db, zerolog.Nop())

	mock.ExpectExec("INSERT INTO error_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	l.Log(context.Background(), "u1", "links", "pipeline", "error", "navigation timed out", 0,
		map[string]interface{}{"code": "timeout"})

	require.NoError(t, mock.ExpectationsWereMet())
}
