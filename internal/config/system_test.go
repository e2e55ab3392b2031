package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseSystemDefaultsAndHooks(t *testing.T) {
	data := []byte(`
siteRoot: http://ovdm.local
hooks:
  runCollectionSystemTransfer:
    - postCollectionSystemTransfer
postHookCommands:
  postCollectionSystemTransfer:
    - name: process nav
      command: ["/usr/local/bin/nav2csv", "{cruiseID}"]
      collectionSystemTransfer: SCS
`)
	sys, err := ParseSystem(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sys.SiteRoot != "http://ovdm.local/" {
		t.Fatalf("expected trailing slash on siteRoot, got %q", sys.SiteRoot)
	}
	if sys.MD5SummaryFn != "MD5_Summary.txt" || sys.SchedulerInterval != 5 {
		t.Fatalf("defaults not applied: %+v", sys)
	}
	hooks := sys.HooksFor("runCollectionSystemTransfer")
	if len(hooks) != 1 || hooks[0] != "postCollectionSystemTransfer" {
		t.Fatalf("unexpected hooks %v", hooks)
	}
	if len(sys.HooksFor("setupNewCruise")) != 0 {
		t.Fatalf("expected no hooks for unconfigured job")
	}
	cmds := sys.PostHookCommands["postCollectionSystemTransfer"]
	if len(cmds) != 1 || cmds[0].Argv[1] != "{cruiseID}" || cmds[0].CollectionSystemTransfer != "SCS" {
		t.Fatalf("unexpected commands %+v", cmds)
	}
	if sys.HookTimeout() != 600*time.Second {
		t.Fatalf("unexpected hook timeout %s", sys.HookTimeout())
	}
}

func TestLoadSystemMissingFile(t *testing.T) {
	if _, err := LoadSystem(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadSystemRejectsEmptySiteRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openvdm.yaml")
	if err := os.WriteFile(path, []byte("siteRoot: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadSystem(path); err == nil {
		t.Fatalf("expected siteRoot validation error")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.ship:6380")
	t.Setenv("STALENESS_SETTLE", "250ms")
	t.Setenv("WORKER_JOBS", "runCollectionSystemTransfer, stopJob")
	cfg := Load()
	if cfg.RedisAddr != "redis.ship:6380" {
		t.Fatalf("unexpected redis addr %q", cfg.RedisAddr)
	}
	if cfg.StalenessSettle != 250*time.Millisecond {
		t.Fatalf("unexpected settle %s", cfg.StalenessSettle)
	}
	if len(cfg.WorkerJobs) != 2 || cfg.WorkerJobs[1] != "stopJob" {
		t.Fatalf("unexpected worker jobs %v", cfg.WorkerJobs)
	}
}
