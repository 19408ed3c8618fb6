package config

import "time"

const (
	DefaultWorkerCount    = 5
	DefaultMaxAttempts    = 5
	DefaultMemoryCapacity = 500
	DefaultMaxBatchURLs   = 50
	DefaultHTTPPort       = 8080

	// A running job whose heartbeat is older than this is treated as
	// abandoned by its worker.
	DefaultStaleAfter = 330 * time.Second

	// Active jobs older than this are failed outright.
	DefaultHardTimeout = 300 * time.Second

	// Claim lease granted on claim and refreshed per heartbeat. Must outlive
	// the hard timeout so reconciliation, not lock expiry, decides the
	// outcome of a wedged run.
	DefaultLeaseTTL = 360 * time.Second

	DefaultStageBudget  = 20 * time.Second
	DefaultNoCandidates = 300 * time.Second
	DefaultUpstreamCap  = 300 * time.Second

	DefaultSweepInterval = time.Minute

	DefaultSearchTimeout = 30 * time.Second
)

const (
	DefaultExchange   = "importq"
	DefaultQueue      = "import-primary-jobs"
	DefaultRoutingKey = "import.primary"
)
