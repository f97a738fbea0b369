package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/averlon/parley/internal/mcp"
	"github.com/averlon/parley/pkg/provider/llm"
)

// Pinger is the slice of the store surface readiness cares about. The
// postgres store satisfies it; the in-memory mock does not need to.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker probes the conversation store.
func StoreChecker(p Pinger) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			return p.Ping(ctx)
		},
	}
}

// ProviderChecker probes the default LLM provider.
func ProviderChecker(p llm.Provider) Checker {
	return Checker{
		Name: "provider",
		Check: func(ctx context.Context) error {
			if !p.HealthCheck(ctx) {
				return fmt.Errorf("provider %s is not reachable", p.Name())
			}
			return nil
		},
	}
}

// ToolHostsChecker reports the MCP host fleet. Degraded hosts do not fail
// readiness (the loop degrades to fewer tools); dead hosts do.
func ToolHostsChecker(h mcp.Host) Checker {
	return Checker{
		Name: "tool_hosts",
		Check: func(_ context.Context) error {
			var errs []error
			for name, state := range h.ServerStates() {
				if state == mcp.StateDead {
					errs = append(errs, fmt.Errorf("host %s is dead", name))
				}
			}
			return errors.Join(errs...)
		},
	}
}
