package db

import (
	"strings"
	"testing"
)

func TestSchemaDeclaresStoreTables(t *testing.T) {
	ddl := Schema()
	for _, table := range []string{"professional_agendas", "appointments", "contacts"} {
		if !strings.Contains(ddl, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema is missing idempotent table %s", table)
		}
	}
	if !strings.Contains(ddl, "CREATE INDEX IF NOT EXISTS idx_appointments_professional_time") {
		t.Error("schema is missing the agenda lookup index")
	}
}
