package constants

const (
	MigrationLock = iota
	SweepLock
)

const (
	// ImportQueue is the queue carrying per-URL import dispatches.
	ImportQueue = "import-primary-jobs"

	// MaxBatchURLs caps how many URLs one enqueue request may carry.
	MaxBatchURLs = 50

	// MaxAttempts bounds upstream retries within a single worker run.
	MaxAttempts = 5
)

// Stage beacons written to job records as the worker advances.
const (
	StageSearchStarted       = "primary_search_started"
	StageExpandingCandidates = "primary_expanding_candidates"
	StageCandidateFound      = "primary_candidate_found"
	StageComplete            = "primary_complete"
	StageEarlyExit           = "primary_early_exit"
	StageTimeout             = "primary_timeout"
)

// Error codes persisted on failed job records.
const (
	ErrCodeStalledWorker   = "stalled_worker"
	ErrCodePrimaryTimeout  = "primary_timeout"
	ErrCodeNoCandidates    = "no_candidates_found"
	ErrCodeUpstreamError   = "UPSTREAM_ERROR"
	ErrCodeUpstreamTimeout = "UPSTREAM_TIMEOUT"
	ErrCodeParseError      = "PARSE_ERROR"
)
