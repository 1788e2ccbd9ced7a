package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"AgentEscrow/internal/config"
	"AgentEscrow/internal/notify"
)

func loadTestConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	agents := "agents:\n  - id: verifier-1\n    tier: 3\n    active: true\n"
	if err := os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(agents), 0o600); err != nil {
		t.Fatalf("写入目录文件失败: %v", err)
	}
	path := filepath.Join(dir, "escrowd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	return cfg
}

func TestInitAndRunWithMemoryBackends(t *testing.T) {
	cfg := loadTestConfig(t, `
server:
  address: "127.0.0.1:0"
  shutdown_timeout: 1s
identity:
  directory_file: agents.yaml
notify:
  driver: memory
`)
	a := New(cfg)
	t.Cleanup(func() { _ = a.Close() })

	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	if a.engine == nil || a.server == nil || a.bus == nil {
		t.Fatalf("组件未构建完整")
	}
	if got := len(a.alerts.Channels()); got != 2 {
		t.Fatalf("告警渠道数量错误: %d", got)
	}
	if _, ok := a.outbox.(*notify.MemoryOutbox); !ok {
		t.Fatalf("内存驱动应使用进程内 Outbox: %T", a.outbox)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("正常退出不应返回错误: %v", err)
	}
}

func TestInitFailsOnMissingDirectory(t *testing.T) {
	cfg := loadTestConfig(t, "identity:\n  directory_file: missing.yaml\n")
	a := New(cfg)
	t.Cleanup(func() { _ = a.Close() })

	if err := a.Init(context.Background()); err == nil {
		t.Fatalf("缺失目录文件应导致初始化失败")
	}
}
