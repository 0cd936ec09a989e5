// Package sysdns points the operating system resolver at the local agent
// while it runs, and puts the previous settings back on shutdown.
package sysdns

import (
	"context"
	"runtime"

	"dns-agent/pkg/logging"
)

// Manager switches the OS resolver to the given address and can undo the
// change. Restore is safe to call even when Apply never ran or failed.
type Manager interface {
	Apply(ctx context.Context, addr string) error
	Restore() error
}

// New selects the implementation for the current platform. Platforms
// without support get a no-op manager that only logs.
func New(logger *logging.Logger) Manager {
	if runtime.GOOS == "linux" {
		return newResolvConfManager(resolvConfPath, logger)
	}
	return &noopManager{logger: logger}
}

type noopManager struct {
	logger *logging.Logger
}

func (n *noopManager) Apply(_ context.Context, addr string) error {
	n.logger.Warn("System DNS management not supported on this platform",
		"os", runtime.GOOS,
		"address", addr)
	return nil
}

func (n *noopManager) Restore() error {
	return nil
}
