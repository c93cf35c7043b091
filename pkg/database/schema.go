package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a live database against the structure the store expects
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order and returns the first failure
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.ValidateConstraints()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"sessions":             "Classroom sessions",
		"attendance":           "Attendance records",
		"speak_requests":       "Speak queue",
		"session_participants": "Session roster",
		"schema_migrations":    "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"sessions": {
			"id":                 "TEXT",
			"classroom_id":       "TEXT",
			"teacher_id":         "TEXT",
			"status":             "TEXT",
			"created_at":         "DATETIME",
			"closed_at":          "DATETIME",
			"attendance_ends_at": "DATETIME",
			"deck_id":            "TEXT",
			"page":               "INTEGER",
			"revision":           "INTEGER",
			"deck_page_count":    "INTEGER",
			"code_value":         "TEXT",
			"code_expires_at":    "DATETIME",
			"version":            "INTEGER",
		},
		"attendance": {
			"session_id":      "TEXT",
			"student_id":      "TEXT",
			"stage":           "TEXT",
			"selfie_ref":      "TEXT",
			"failed_attempts": "INTEGER",
			"verified_at":     "DATETIME",
			"version":         "INTEGER",
		},
		"speak_requests": {
			"id":                "TEXT",
			"session_id":        "TEXT",
			"student_id":        "TEXT",
			"state":             "TEXT",
			"seq":               "INTEGER",
			"enqueued_at":       "DATETIME",
			"floor_released_at": "DATETIME",
			"version":           "INTEGER",
		},
		"session_participants": {
			"session_id": "TEXT",
			"student_id": "TEXT",
			"joined_at":  "DATETIME",
			"left_at":    "DATETIME",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}

	return nil
}

// ValidateIndexes verifies that the uniqueness and lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_sessions_open_classroom":    "One open session per classroom",
		"idx_sessions_status":            "Open session listing",
		"idx_attendance_session_stage":   "Attendance sheet",
		"idx_speak_requests_session_seq": "FIFO order",
		"idx_speak_requests_active":      "One active request per student",
		"idx_speak_requests_student":     "Latest request lookup",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints probes the constraints inside a transaction that is
// always rolled back, so the database is left untouched.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`
		INSERT INTO attendance (session_id, student_id, stage, updated_at)
		VALUES ('schema-probe-missing', 'probe', 'awaiting_code', CURRENT_TIMESTAMP)
	`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: attendance.session_id")
	}

	insertOpen := `
		INSERT INTO sessions (id, classroom_id, teacher_id, status, created_at, attendance_ends_at)
		VALUES (?, 'schema-probe-room', 'probe', 'open', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`
	if _, err := tx.Exec(insertOpen, "schema-probe-1"); err != nil {
		return fmt.Errorf("failed to create probe session: %w", err)
	}
	if _, err := tx.Exec(insertOpen, "schema-probe-2"); err == nil {
		return fmt.Errorf("unique constraint not enforced: one open session per classroom")
	}

	insertRequest := `
		INSERT INTO speak_requests (id, session_id, student_id, state, seq, enqueued_at)
		VALUES (?, 'schema-probe-1', 'probe', 'pending', ?, CURRENT_TIMESTAMP)
	`
	if _, err := tx.Exec(insertRequest, "probe-req-1", 1); err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	if _, err := tx.Exec(insertRequest, "probe-req-2", 2); err == nil {
		return fmt.Errorf("unique constraint not enforced: one active speak request per student")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
