// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/apply"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/config"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/defra"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/home"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/jobs"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/library"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/pipeline"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/snapshots"
)

// Advancer drives a job forward for a bounded slice of wall-clock time.
type Advancer interface {
	Advance(ctx context.Context, jobID string, budget time.Duration) (*pipeline.AdvanceResult, error)
}

// BatchCoordinator runs a job through a provider-side batch.
type BatchCoordinator interface {
	Submit(ctx context.Context, jobID string) (*pipeline.Submission, error)
	Poll(ctx context.Context, jobID string) (*pipeline.PollResult, error)
	Reconcile(ctx context.Context, jobID string) (*pipeline.PollResult, error)
}

// Restorer writes a snapshot's value back to its page.
type Restorer interface {
	RestoreSnapshot(ctx context.Context, snapshotID, actor string) (*apply.Result, error)
}

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	DefraClient *defra.Client
	DefraSink   *defra.Sink
	JobManager  *jobs.Manager
	Library     *library.Store
	Snapshots   *snapshots.Store
	Processor   Advancer
	Coordinator BatchCoordinator
	Applier     Restorer
	Config      *config.Config
	Logger      *slog.Logger
	Home        *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// DefraClientFrom extracts the DefraDB client from context.
func DefraClientFrom(ctx context.Context) *defra.Client {
	if s := ServicesFrom(ctx); s != nil {
		return s.DefraClient
	}
	return nil
}

// DefraSinkFrom extracts the DefraDB write sink from context.
func DefraSinkFrom(ctx context.Context) *defra.Sink {
	if s := ServicesFrom(ctx); s != nil {
		return s.DefraSink
	}
	return nil
}

// JobManagerFrom extracts the job manager from context.
func JobManagerFrom(ctx context.Context) *jobs.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.JobManager
	}
	return nil
}

// LibraryFrom extracts the library store from context.
func LibraryFrom(ctx context.Context) *library.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Library
	}
	return nil
}

// SnapshotsFrom extracts the snapshot store from context.
func SnapshotsFrom(ctx context.Context) *snapshots.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Snapshots
	}
	return nil
}

// ProcessorFrom extracts the synchronous processor from context.
func ProcessorFrom(ctx context.Context) Advancer {
	if s := ServicesFrom(ctx); s != nil {
		return s.Processor
	}
	return nil
}

// CoordinatorFrom extracts the batch coordinator from context.
func CoordinatorFrom(ctx context.Context) BatchCoordinator {
	if s := ServicesFrom(ctx); s != nil {
		return s.Coordinator
	}
	return nil
}

// ApplierFrom extracts the restore-capable applier from context.
func ApplierFrom(ctx context.Context) Restorer {
	if s := ServicesFrom(ctx); s != nil {
		return s.Applier
	}
	return nil
}

// ConfigFrom extracts the active configuration from context.
func ConfigFrom(ctx context.Context) *config.Config {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
