package instance

import (
	"context"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// ProcessReaper kills OS processes left behind by a tenant's driver.
type ProcessReaper interface {
	Reap(ctx context.Context, sessionKey string) (int, error)
}

// NewReaper returns the reaper for mode: "kill" or "noop".
func NewReaper(mode string) ProcessReaper {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "kill":
		return &ProcessKiller{}
	default:
		return NoopReaper{}
	}
}

// NoopReaper leaves processes alone, for hosts where driver processes are
// shared or managed elsewhere.
type NoopReaper struct{}

func (NoopReaper) Reap(context.Context, string) (int, error) { return 0, nil }

// ProcessKiller kills processes started below this one whose command line
// references the session key. Processes outside the gateway's own tree are
// never touched.
type ProcessKiller struct{}

func (k *ProcessKiller) Reap(ctx context.Context, sessionKey string) (int, error) {
	if sessionKey == "" {
		return 0, nil
	}
	self, err := process.NewProcessWithContext(ctx, int32(os.Getpid())) //nolint:gosec // G115: PID is always within int32 range
	if err != nil {
		return 0, err
	}
	killed := 0
	for _, p := range descendants(ctx, self) {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || !referencesKey(cmdline, sessionKey) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			zap.L().Warn("instance: kill orphaned process failed", zap.Int32("pid", p.Pid), zap.Error(err))
			continue
		}
		killed++
	}
	return killed, nil
}

// descendants walks the process tree below p, children before grandchildren.
func descendants(ctx context.Context, p *process.Process) []*process.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	out := append([]*process.Process(nil), children...)
	for _, c := range children {
		out = append(out, descendants(ctx, c)...)
	}
	return out
}

// referencesKey matches key as a whole token, so "reseller_1" does not match
// "reseller_12".
func referencesKey(cmdline, key string) bool {
	if key == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(cmdline[i:], key)
		if j < 0 {
			return false
		}
		end := i + j + len(key)
		if end == len(cmdline) || !isKeyChar(cmdline[end]) {
			return true
		}
		i = i + j + 1
	}
}

func isKeyChar(c byte) bool {
	return c == '_' || c == '-' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
