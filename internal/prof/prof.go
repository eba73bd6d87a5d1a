// Package prof starts the continuous profiler when one is configured.
package prof

import (
	"context"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/guardhttp/internal/log"
	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// Options configures the pyroscope client.
type Options struct {
	// Enabled gates everything; disabled returns a no-op stop.
	Enabled bool

	// AppName is the application name profiles are filed under.
	AppName string

	// ServerAddress is the pyroscope ingest URL.
	ServerAddress string

	// TenantID selects the org in multi-tenant deployments. Empty is fine
	// for single-tenant servers.
	TenantID string

	// Tags ride along on every profile this process uploads.
	Tags map[string]string

	// MutexFraction and BlockRate feed runtime.SetMutexProfileFraction
	// and runtime.SetBlockProfileRate when positive. Both default off;
	// they carry measurable overhead.
	MutexFraction int
	BlockRate     int
}

// profileTypes is everything this server reports. CPU and memory carry the
// weight day to day; mutex and block profiles earn their keep when
// admission queues back up.
var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Start launches the profiler and returns a stop func, never nil. An error
// leaves the process unprofiled but running; the caller decides how loud to
// be about that.
func Start(ctx context.Context, opts Options) (func(), error) {
	if !opts.Enabled {
		return func() {}, nil
	}
	if opts.ServerAddress == "" {
		return func() {}, xerrors.New("profiling enabled without a server address")
	}

	if opts.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexFraction)
	}
	if opts.BlockRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockRate)
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    profileTypes,
	})
	if err != nil {
		return func() {}, xerrors.Wrap(err, "start profiler")
	}

	L := log.FromContext(ctx)
	L.Info(ctx, "profiler started", "server", opts.ServerAddress, "app", opts.AppName)

	return func() {
		_ = p.Stop()
		L.Info(context.Background(), "profiler stopped")
	}, nil
}
