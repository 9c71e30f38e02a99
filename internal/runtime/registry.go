// Package runtime implements the process queue's runtime dispatcher
// (spec §4.7): host-keyed runtime selection, a process-wide permit
// semaphore, local/remote dequeue racing, and heartbeat supervision,
// built the way the teacher's internal/store uses bbolt transactions
// for atomic claims and cuemby-warren structures its worker
// dispatcher around a registry plus a bounded permit pool.
package runtime

import (
	"context"
	"encoding/json"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/process"
	"github.com/tangramd/tangram/internal/tgerror"
)

// Runtime executes one process's command to completion. Implementations
// are expected to honor ctx cancellation (heartbeat miss or external
// cancel aborts the runtime task, spec §4.7).
type Runtime interface {
	Run(ctx context.Context, processID id.ID, commandID id.ID) (output json.RawMessage, exit *process.Exit, err error)
}

// RuntimeFunc adapts a function to the Runtime interface.
type RuntimeFunc func(ctx context.Context, processID id.ID, commandID id.ID) (json.RawMessage, *process.Exit, error)

func (f RuntimeFunc) Run(ctx context.Context, processID id.ID, commandID id.ID) (json.RawMessage, *process.Exit, error) {
	return f(ctx, processID, commandID)
}

// Registry maps a process's declared host string (e.g. "aarch64-linux",
// "x86_64-darwin", "js") to the runtime that executes it.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]Runtime)}
}

// Register installs a runtime for a host string, replacing any prior
// registration for the same host.
func (r *Registry) Register(host string, rt Runtime) {
	r.runtimes[host] = rt
}

// Lookup returns the runtime for host, or an unsupported error if no
// runtime is registered ("an unknown host is a fatal start error").
func (r *Registry) Lookup(host string) (Runtime, error) {
	rt, ok := r.runtimes[host]
	if !ok {
		return nil, tgerror.Unsupportedf("runtime host %q not registered", host)
	}
	return rt, nil
}

// Hosts lists every registered host string.
func (r *Registry) Hosts() []string {
	hosts := make([]string, 0, len(r.runtimes))
	for h := range r.runtimes {
		hosts = append(hosts, h)
	}
	return hosts
}
