package constants

// Advisory lock ids shared by every worker process.
const (
	MigrationLock = iota + 7301
	SequenceLock
	MaintenanceLock
)

var Locks = []int{
	MigrationLock,
	SequenceLock,
	MaintenanceLock,
}

const (
	DefaultQueue      = "default"
	DefaultBatchSize  = 100
	DefaultPageSize   = 20
	StaleRecoverLimit = 500
)
