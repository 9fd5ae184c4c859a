package config

import "time"

const (
	DefaultWorkerCount     = 5
	DefaultBatchSize       = 100
	DefaultPollInterval    = time.Second
	DefaultStorageDriver   = SQLite
	DefaultSQLitePath      = "tradeflow.db"
	DefaultStaleAfter      = 30 * time.Minute
	DefaultMaintenanceSpec = "@every 1m"
	DefaultKillSwitchKey   = "tradeflow:kill_switch"
)
