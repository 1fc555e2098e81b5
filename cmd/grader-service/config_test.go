package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grader_service.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv("GRADEBOX_TEST_ROOT", root)
	path := writeConfig(t, `
storage:
  root: "${GRADEBOX_TEST_ROOT}"
  objectBackupPrefix: "subs"
host:
  name: "worker-1"
executor:
  pollInterval: 250ms
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Storage.Root != root || cfg.Storage.ObjectBackupPrefix != "subs" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Fatalf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Dispatch.Topic != defaultGradeTopic || cfg.Queue.Dispatch.Workers != defaultHostSlots {
		t.Fatalf("queue defaults not applied: %+v", cfg.Queue)
	}
	if cfg.Queue.Dispatch.DeadLetterTopic != "" {
		t.Fatalf("memory driver should not get a dead letter topic: %q", cfg.Queue.Dispatch.DeadLetterTopic)
	}
	if cfg.Reconciler.Host != "worker-1" || cfg.Host.Slots != defaultHostSlots {
		t.Fatalf("host defaults not applied: host=%+v reconciler=%+v", cfg.Host, cfg.Reconciler)
	}
	if cfg.Executor.PollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval: %v", cfg.Executor.PollInterval)
	}
	if cfg.Logger.Level != "info" || cfg.Redis.PoolSize == 0 {
		t.Fatalf("logger/redis defaults not applied: %+v %+v", cfg.Logger, cfg.Redis)
	}
}

func TestLoadAppConfigKafkaDeadLetter(t *testing.T) {
	path := writeConfig(t, `
storage:
  root: "/srv/gradebox"
queue:
  driver: "kafka"
kafka:
  brokers: ["127.0.0.1:9092"]
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Queue.Dispatch.DeadLetterTopic != defaultGradeTopic+".dlq" {
		t.Fatalf("unexpected dead letter topic: %q", cfg.Queue.Dispatch.DeadLetterTopic)
	}
}

func TestLoadAppConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing root", "server:\n  addr: \":9000\"\n", "storage root"},
		{"kafka without brokers", "storage:\n  root: /srv\nqueue:\n  driver: kafka\n", "kafka brokers"},
		{"bad yaml", "storage: [", "parse config"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadAppConfig(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
	if _, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
