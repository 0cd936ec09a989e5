package sysdns

import (
	"context"
	"fmt"
	"os"
	"sync"

	"dns-agent/pkg/logging"
)

const resolvConfPath = "/etc/resolv.conf"

// resolvConfManager rewrites resolv.conf to point at the agent and keeps
// the original bytes in memory for restore. Symlinked setups managed by
// systemd-resolved or NetworkManager may rewrite the file underneath us;
// the restore is best effort.
type resolvConfManager struct {
	mu       sync.Mutex
	path     string
	original []byte
	mode     os.FileMode
	applied  bool
	logger   *logging.Logger
}

func newResolvConfManager(path string, logger *logging.Logger) *resolvConfManager {
	return &resolvConfManager{
		path:   path,
		mode:   0o644,
		logger: logger,
	}
}

// Apply saves the current resolver config and replaces it with a single
// nameserver line for addr.
func (m *resolvConfManager) Apply(ctx context.Context, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied {
		return fmt.Errorf("system DNS already applied")
	}

	original, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", m.path, err)
	}
	if info, err := os.Stat(m.path); err == nil {
		m.mode = info.Mode().Perm()
	}
	m.original = original

	content := fmt.Sprintf("# Managed by dns-agent. Original settings restored on shutdown.\nnameserver %s\n", addr)
	if err := os.WriteFile(m.path, []byte(content), m.mode); err != nil {
		return fmt.Errorf("write %s: %w", m.path, err)
	}

	m.applied = true
	m.logger.Info("System resolver pointed at local agent",
		"path", m.path,
		"nameserver", addr)

	return nil
}

// Restore writes the saved resolver config back.
func (m *resolvConfManager) Restore() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.applied {
		return nil
	}

	if err := os.WriteFile(m.path, m.original, m.mode); err != nil {
		return fmt.Errorf("restore %s: %w", m.path, err)
	}

	m.applied = false
	m.logger.Info("System resolver restored", "path", m.path)

	return nil
}
