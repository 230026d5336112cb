package main

import (
	"reflect"
	"testing"
)

func TestSplitSQL(t *testing.T) {
	sql := "-- header\nCREATE TABLE a (id INT);\n\n  -- note\nCREATE INDEX b ON a (id);\n"
	got := splitSQL(sql)
	want := []string{"CREATE TABLE a (id INT)", "CREATE INDEX b ON a (id)"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitSQL = %q, want %q", got, want)
	}
}

func TestExtractTablesFromMigration(t *testing.T) {
	got, err := extractTables("../../migrations/0001_init.sql")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := []string{"rides", "ride_path_points", "ride_events", "vehicle_rates"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tables = %v, want %v", got, want)
	}
}
