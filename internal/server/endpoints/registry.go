package endpoints

import (
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/api"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/defra"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	DefraManager *defra.DockerManager
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{DefraManager: cfg.DefraManager},

		// Job endpoints
		&CreateJobEndpoint{},
		&ListJobsEndpoint{},
		&GetJobEndpoint{},
		&AdvanceJobEndpoint{},
		&CancelJobEndpoint{},
		&PauseJobEndpoint{},
		&ResumeJobEndpoint{},
		&RetryJobEndpoint{},

		// Batch endpoints
		&SubmitBatchEndpoint{},
		&PollBatchEndpoint{},
		&ReconcileBatchEndpoint{},

		// Book and page endpoints
		&GetBookEndpoint{},
		&RecountBookEndpoint{},
		&GetPageEndpoint{},
		&ListSnapshotsEndpoint{},

		// Snapshot endpoints
		&RestoreSnapshotEndpoint{},
	}
}

// JobCommands groups job-related endpoints under the "jobs" subcommand.
func JobCommands() []api.Endpoint {
	return []api.Endpoint{
		&CreateJobEndpoint{},
		&ListJobsEndpoint{},
		&GetJobEndpoint{},
		&AdvanceJobEndpoint{},
		&CancelJobEndpoint{},
		&PauseJobEndpoint{},
		&ResumeJobEndpoint{},
		&RetryJobEndpoint{},
	}
}

// BatchCommands groups batch endpoints under the "batch" subcommand.
func BatchCommands() []api.Endpoint {
	return []api.Endpoint{
		&SubmitBatchEndpoint{},
		&PollBatchEndpoint{},
		&ReconcileBatchEndpoint{},
	}
}

// BookCommands groups book endpoints under the "books" subcommand.
func BookCommands() []api.Endpoint {
	return []api.Endpoint{
		&GetBookEndpoint{},
		&RecountBookEndpoint{},
	}
}

// PageCommands groups page endpoints under the "pages" subcommand.
func PageCommands() []api.Endpoint {
	return []api.Endpoint{
		&GetPageEndpoint{},
		&ListSnapshotsEndpoint{},
	}
}

// SnapshotCommands groups snapshot endpoints under the "snapshots" subcommand.
func SnapshotCommands() []api.Endpoint {
	return []api.Endpoint{
		&RestoreSnapshotEndpoint{},
	}
}
