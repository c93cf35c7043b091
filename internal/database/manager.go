// Package database implements interfaces.SessionStore on SQLite.
//
// Reads run concurrently on the connection pool. Writes are funneled through
// one goroutine so SQLite never sees competing writers; every write is a
// version compare-and-swap.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "podium/pkg/database"
	"podium/pkg/types"
)

// Manager implements the SessionStore interface
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies the embedded schema migrations
func (m *Manager) Migrate() error {
	applied, err := dbconfig.NewMigrationManager(m.db).ApplyMigrations()
	if err != nil {
		return err
	}
	for _, version := range applied {
		log.Printf("Applied migration: version=%s", version)
	}
	return nil
}

// ValidateSchema checks the live schema, constraints included
func (m *Manager) ValidateSchema() error {
	return dbconfig.NewSchemaValidator(m.db).Validate()
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			if err := op.ctx.Err(); err != nil {
				op.result <- err
				continue
			}
			op.result <- op.operation(op.ctx, m.db)

		case <-m.shutdown:
			// Drain queued writes so callers are never left waiting
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- op.operation(op.ctx, m.db)
				default:
					log.Println("Database write loop shutting down")
					return
				}
			}
		}
	}
}

// executeWrite queues a write and waits for the writer goroutine to run it
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return unavailable("write", ErrManagerClosed)
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return unavailable("write", ErrWriteTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return unavailable("write", ErrManagerClosed)
	}

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return unavailable("write", ErrWriteTimeout)
	}
}

// Session records

const sessionColumns = `id, classroom_id, teacher_id, status, created_at, closed_at,
	attendance_ends_at, deck_id, page, revision, deck_page_count,
	code_value, code_issued_at, code_expires_at, version`

// CreateSession inserts a new open session with version 1
func (m *Manager) CreateSession(ctx context.Context, session *types.ClassroomSession) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			session.ID,
			session.ClassroomID,
			session.TeacherID,
			session.Status,
			session.CreatedAt.UTC(),
			nullTime(session.ClosedAt),
			session.AttendanceEndsAt.UTC(),
			session.Slide.DeckID,
			session.Slide.Page,
			session.Slide.Revision,
			session.DeckPageCount,
			session.Code.Value,
			codeTime(session.Code, session.Code.IssuedAt),
			codeTime(session.Code, session.Code.ExpiresAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return types.ErrSessionAlreadyOpen
			}
			return unavailable("insert session", err)
		}
		session.Version = 1
		return nil
	})
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.ClassroomSession, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// GetOpenSessionByClassroom resolves the open session of a classroom
func (m *Manager) GetOpenSessionByClassroom(ctx context.Context, classroomID string) (*types.ClassroomSession, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE classroom_id = ? AND status = 'open'`,
		classroomID)
	return scanSession(row)
}

// UpdateSession writes the mutable session fields if the version still matches
func (m *Manager) UpdateSession(ctx context.Context, session *types.ClassroomSession) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, closed_at = ?, deck_id = ?, page = ?, revision = ?,
				deck_page_count = ?, code_value = ?, code_issued_at = ?,
				code_expires_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			session.Status,
			nullTime(session.ClosedAt),
			session.Slide.DeckID,
			session.Slide.Page,
			session.Slide.Revision,
			session.DeckPageCount,
			session.Code.Value,
			codeTime(session.Code, session.Code.IssuedAt),
			codeTime(session.Code, session.Code.ExpiresAt),
			session.ID,
			session.Version,
		)
		if err != nil {
			return unavailable("update session", err)
		}
		if err := casResult(ctx, db, res, `SELECT COUNT(*) FROM sessions WHERE id = ?`, session.ID); err != nil {
			return err
		}
		session.Version++
		return nil
	})
}

// ListOpenSessions returns all open sessions, newest first
func (m *Manager) ListOpenSessions(ctx context.Context) ([]*types.ClassroomSession, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'open' ORDER BY created_at DESC`)
	if err != nil {
		return nil, unavailable("query open sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.ClassroomSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate open sessions", err)
	}
	return sessions, nil
}

// Attendance records

const attendanceColumns = `session_id, student_id, stage, selfie_ref, code_consumed,
	failed_attempts, selfie_at, verified_at, rejected_at, updated_at, version`

// GetAttendance retrieves the record of one student in one session
func (m *Manager) GetAttendance(ctx context.Context, sessionID, studentID string) (*types.AttendanceRecord, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+attendanceColumns+` FROM attendance WHERE session_id = ? AND student_id = ?`,
		sessionID, studentID)
	return scanAttendance(row)
}

// PutAttendance inserts (Version 0) or updates (CAS) an attendance record
func (m *Manager) PutAttendance(ctx context.Context, record *types.AttendanceRecord) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		if record.Version == 0 {
			_, err := db.ExecContext(ctx, `
				INSERT INTO attendance (`+attendanceColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
				record.SessionID,
				record.StudentID,
				string(record.Stage),
				record.SelfieRef,
				record.CodeConsumed,
				record.FailedAttempts,
				nullTime(record.SelfieAt),
				nullTime(record.VerifiedAt),
				nullTime(record.RejectedAt),
				record.UpdatedAt.UTC(),
			)
			if err != nil {
				if isUniqueViolation(err) {
					return types.ErrVersionConflict
				}
				if isForeignKeyViolation(err) {
					return types.ErrNotFound
				}
				return unavailable("insert attendance", err)
			}
			record.Version = 1
			return nil
		}

		res, err := db.ExecContext(ctx, `
			UPDATE attendance
			SET stage = ?, selfie_ref = ?, code_consumed = ?, failed_attempts = ?,
				selfie_at = ?, verified_at = ?, rejected_at = ?, updated_at = ?,
				version = version + 1
			WHERE session_id = ? AND student_id = ? AND version = ?`,
			string(record.Stage),
			record.SelfieRef,
			record.CodeConsumed,
			record.FailedAttempts,
			nullTime(record.SelfieAt),
			nullTime(record.VerifiedAt),
			nullTime(record.RejectedAt),
			record.UpdatedAt.UTC(),
			record.SessionID,
			record.StudentID,
			record.Version,
		)
		if err != nil {
			return unavailable("update attendance", err)
		}
		if err := casResult(ctx, db, res,
			`SELECT COUNT(*) FROM attendance WHERE session_id = ? AND student_id = ?`,
			record.SessionID, record.StudentID); err != nil {
			return err
		}
		record.Version++
		return nil
	})
}

// ListAttendance returns every record of a session ordered by student
func (m *Manager) ListAttendance(ctx context.Context, sessionID string) ([]*types.AttendanceRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+attendanceColumns+` FROM attendance WHERE session_id = ? ORDER BY student_id`,
		sessionID)
	if err != nil {
		return nil, unavailable("query attendance", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.AttendanceRecord
	for rows.Next() {
		record, err := scanAttendance(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate attendance", err)
	}
	return records, nil
}

// Speak requests

const speakColumns = `id, session_id, student_id, state, seq, enqueued_at, decided_at,
	decided_by, cancelled_at, floor_released_at, version`

// GetSpeakRequest retrieves a request by ID
func (m *Manager) GetSpeakRequest(ctx context.Context, requestID string) (*types.SpeakRequest, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+speakColumns+` FROM speak_requests WHERE id = ?`, requestID)
	return scanSpeakRequest(row)
}

// PutSpeakRequest inserts (Version 0) or updates (CAS) a speak request
func (m *Manager) PutSpeakRequest(ctx context.Context, request *types.SpeakRequest) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		if request.Version == 0 {
			_, err := db.ExecContext(ctx, `
				INSERT INTO speak_requests (`+speakColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
				request.ID,
				request.SessionID,
				request.StudentID,
				string(request.State),
				request.Seq,
				request.EnqueuedAt.UTC(),
				nullTime(request.DecidedAt),
				request.DecidedBy,
				nullTime(request.CancelledAt),
				nullTime(request.FloorReleasedAt),
			)
			if err != nil {
				switch {
				case isUniqueViolation(err) && strings.Contains(err.Error(), "speak_requests.seq"):
					return types.ErrVersionConflict
				case isUniqueViolation(err) && strings.Contains(err.Error(), "speak_requests.student_id"):
					return types.ErrAlreadyQueued
				case isUniqueViolation(err):
					return types.ErrVersionConflict
				case isForeignKeyViolation(err):
					return types.ErrNotFound
				}
				return unavailable("insert speak request", err)
			}
			request.Version = 1
			return nil
		}

		res, err := db.ExecContext(ctx, `
			UPDATE speak_requests
			SET state = ?, decided_at = ?, decided_by = ?, cancelled_at = ?,
				floor_released_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			string(request.State),
			nullTime(request.DecidedAt),
			request.DecidedBy,
			nullTime(request.CancelledAt),
			nullTime(request.FloorReleasedAt),
			request.ID,
			request.Version,
		)
		if err != nil {
			return unavailable("update speak request", err)
		}
		if err := casResult(ctx, db, res, `SELECT COUNT(*) FROM speak_requests WHERE id = ?`, request.ID); err != nil {
			return err
		}
		request.Version++
		return nil
	})
}

// ListSpeakRequests returns every request of a session in FIFO order
func (m *Manager) ListSpeakRequests(ctx context.Context, sessionID string) ([]*types.SpeakRequest, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+speakColumns+` FROM speak_requests WHERE session_id = ? ORDER BY seq ASC`,
		sessionID)
	if err != nil {
		return nil, unavailable("query speak requests", err)
	}
	defer func() { _ = rows.Close() }()

	var requests []*types.SpeakRequest
	for rows.Next() {
		request, err := scanSpeakRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate speak requests", err)
	}
	return requests, nil
}

// LatestSpeakRequest returns the student's request with the highest Seq
func (m *Manager) LatestSpeakRequest(ctx context.Context, sessionID, studentID string) (*types.SpeakRequest, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+speakColumns+` FROM speak_requests
		WHERE session_id = ? AND student_id = ?
		ORDER BY seq DESC LIMIT 1`,
		sessionID, studentID)
	return scanSpeakRequest(row)
}

// Roster

// UpsertParticipant records a join, clearing any previous leave
func (m *Manager) UpsertParticipant(ctx context.Context, participant *types.Participant) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO session_participants (session_id, student_id, joined_at, left_at)
			VALUES (?, ?, ?, NULL)
			ON CONFLICT (session_id, student_id)
			DO UPDATE SET joined_at = excluded.joined_at, left_at = NULL`,
			participant.SessionID,
			participant.StudentID,
			participant.JoinedAt.UTC(),
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return types.ErrNotFound
			}
			return unavailable("upsert participant", err)
		}
		return nil
	})
}

// MarkParticipantLeft stamps the leave time of a present participant
func (m *Manager) MarkParticipantLeft(ctx context.Context, sessionID, studentID string, at time.Time) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE session_participants SET left_at = ?
			WHERE session_id = ? AND student_id = ? AND left_at IS NULL`,
			at.UTC(), sessionID, studentID)
		if err != nil {
			return unavailable("mark participant left", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("mark participant left", err)
		}
		if n == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}

// ListParticipants returns the roster ordered by join time
func (m *Manager) ListParticipants(ctx context.Context, sessionID string) ([]*types.Participant, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT session_id, student_id, joined_at, left_at
		FROM session_participants
		WHERE session_id = ?
		ORDER BY joined_at ASC, student_id ASC`,
		sessionID)
	if err != nil {
		return nil, unavailable("query participants", err)
	}
	defer func() { _ = rows.Close() }()

	var participants []*types.Participant
	for rows.Next() {
		var p types.Participant
		var leftAt sql.NullTime
		if err := rows.Scan(&p.SessionID, &p.StudentID, &p.JoinedAt, &leftAt); err != nil {
			return nil, unavailable("scan participant", err)
		}
		p.LeftAt = timePtr(leftAt)
		participants = append(participants, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate participants", err)
	}
	return participants, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return unavailable("read test", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains pending writes and closes the database
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Helpers

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.ClassroomSession, error) {
	var s types.ClassroomSession
	var closedAt, issuedAt, expiresAt sql.NullTime

	err := row.Scan(
		&s.ID,
		&s.ClassroomID,
		&s.TeacherID,
		&s.Status,
		&s.CreatedAt,
		&closedAt,
		&s.AttendanceEndsAt,
		&s.Slide.DeckID,
		&s.Slide.Page,
		&s.Slide.Revision,
		&s.DeckPageCount,
		&s.Code.Value,
		&issuedAt,
		&expiresAt,
		&s.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, unavailable("scan session", err)
	}

	s.ClosedAt = timePtr(closedAt)
	if issuedAt.Valid {
		s.Code.IssuedAt = issuedAt.Time
	}
	if expiresAt.Valid {
		s.Code.ExpiresAt = expiresAt.Time
	}
	return &s, nil
}

func scanAttendance(row rowScanner) (*types.AttendanceRecord, error) {
	var r types.AttendanceRecord
	var stage string
	var selfieAt, verifiedAt, rejectedAt sql.NullTime

	err := row.Scan(
		&r.SessionID,
		&r.StudentID,
		&stage,
		&r.SelfieRef,
		&r.CodeConsumed,
		&r.FailedAttempts,
		&selfieAt,
		&verifiedAt,
		&rejectedAt,
		&r.UpdatedAt,
		&r.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, unavailable("scan attendance", err)
	}

	r.Stage = types.AttendanceStage(stage)
	r.SelfieAt = timePtr(selfieAt)
	r.VerifiedAt = timePtr(verifiedAt)
	r.RejectedAt = timePtr(rejectedAt)
	return &r, nil
}

func scanSpeakRequest(row rowScanner) (*types.SpeakRequest, error) {
	var r types.SpeakRequest
	var state string
	var decidedAt, cancelledAt, releasedAt sql.NullTime

	err := row.Scan(
		&r.ID,
		&r.SessionID,
		&r.StudentID,
		&state,
		&r.Seq,
		&r.EnqueuedAt,
		&decidedAt,
		&r.DecidedBy,
		&cancelledAt,
		&releasedAt,
		&r.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, unavailable("scan speak request", err)
	}

	r.State = types.SpeakState(state)
	r.DecidedAt = timePtr(decidedAt)
	r.CancelledAt = timePtr(cancelledAt)
	r.FloorReleasedAt = timePtr(releasedAt)
	return &r, nil
}

// casResult turns a zero-row conditional update into ErrVersionConflict when
// the row exists and ErrNotFound when it does not
func casResult(ctx context.Context, db *sql.DB, res sql.Result, existsQuery string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var count int
	if err := db.QueryRowContext(ctx, existsQuery, args...).Scan(&count); err != nil {
		return unavailable("existence check", err)
	}
	if count == 0 {
		return types.ErrNotFound
	}
	return types.ErrVersionConflict
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", types.ErrStorageUnavailable, op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func codeTime(code types.AttendanceCode, t time.Time) interface{} {
	if code.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
