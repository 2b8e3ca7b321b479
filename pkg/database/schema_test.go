package database

import (
	"strings"
	"testing"
)

func TestSchemaValidator_AfterMigrations(t *testing.T) {
	db := openTestDB(t)
	if _, err := NewMigrationManager(db, Migrations()).ApplyMigrations(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if err := NewSchemaValidator(db).Validate(); err != nil {
		t.Errorf("migrated schema should validate: %v", err)
	}
}

func TestSchemaValidator_MissingTable(t *testing.T) {
	db := openTestDB(t)

	err := NewSchemaValidator(db).ValidateTablesExist()
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("expected missing table error, got %v", err)
	}
}

func TestSchemaValidator_WrongColumnType(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`CREATE TABLE events (id INTEGER, title TEXT, owner_id TEXT, created_at DATETIME)`); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := NewSchemaValidator(db).validateColumns("events", requiredColumns["events"])
	if err == nil || !strings.Contains(err.Error(), "column id") {
		t.Errorf("expected column type error, got %v", err)
	}
}

func TestSchemaValidator_MissingIndex(t *testing.T) {
	db := openTestDB(t)
	if _, err := NewMigrationManager(db, Migrations()).ApplyMigrations(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`DROP INDEX idx_messages_event_time`); err != nil {
		t.Fatalf("drop index: %v", err)
	}

	if err := NewSchemaValidator(db).ValidateIndexes(); err == nil {
		t.Error("expected missing index error")
	}
}
