package db

import (
	"testing"
	"time"
)

func TestDriverConfigForcesUTCTimes(t *testing.T) {
	cfg, err := driverConfig("grader:secret@tcp(db:3306)/gradebox?parseTime=false&loc=Local")
	if err != nil {
		t.Fatalf("driverConfig: %v", err)
	}
	if !cfg.ParseTime {
		t.Fatalf("parseTime not forced")
	}
	if cfg.Loc != time.UTC {
		t.Fatalf("loc = %v, want UTC", cfg.Loc)
	}
	if cfg.Addr != "db:3306" || cfg.DBName != "gradebox" {
		t.Fatalf("dsn fields lost: addr=%q db=%q", cfg.Addr, cfg.DBName)
	}
}

func TestDriverConfigRejectsMalformedDSN(t *testing.T) {
	if _, err := driverConfig("tcp(db:3306"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestMySQLConfigDefaults(t *testing.T) {
	in := &MySQLConfig{DSN: "x", MaxOpenConnections: 50}
	got := in.withDefaults()
	if got.MaxOpenConnections != 50 {
		t.Fatalf("explicit value overwritten: %d", got.MaxOpenConnections)
	}
	if got.MaxIdleConnections != 5 || got.PingTimeout != 5*time.Second {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if in.MaxIdleConnections != 0 {
		t.Fatalf("withDefaults mutated its receiver")
	}
}

func TestNewMySQLWithConfigRequiresDSN(t *testing.T) {
	if _, err := NewMySQLWithConfig(&MySQLConfig{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := NewMySQLWithConfig(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
