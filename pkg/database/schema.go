package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables deployment
// verification without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// requiredColumns is the column layout the manager's queries rely on.
var requiredColumns = map[string]map[string]string{
	"users": {
		"id":                 "TEXT",
		"username":           "TEXT",
		"name":               "TEXT",
		"email":              "TEXT",
		"verified":           "INTEGER",
		"verification_token": "TEXT",
		"created_at":         "DATETIME",
	},
	"events": {
		"id":         "TEXT",
		"title":      "TEXT",
		"owner_id":   "TEXT",
		"created_at": "DATETIME",
	},
	"messages": {
		"id":         "TEXT",
		"event_id":   "TEXT",
		"author_id":  "TEXT",
		"content":    "TEXT",
		"created_at": "DATETIME",
		"updated_at": "DATETIME",
	},
}

var requiredIndexes = []string{
	"idx_events_owner",
	"idx_messages_event_time",
	"idx_messages_author",
}

// Validate runs every check in order and returns the first failure.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	tables := []string{"users", "events", "messages", "schema_migrations"}
	for _, table := range tables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range requiredColumns {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
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

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	// table names come from requiredColumns, never from input
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue any
			pk           int
		)
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
