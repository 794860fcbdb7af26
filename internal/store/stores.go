package store

// Stores is the top-level container for the storage backends the core
// gateway depends on. Managed-mode stores (agents, providers, MCP grants,
// teams, delegation, etc.) are out of scope and not modeled here.
type Stores struct {
	Sessions SessionStore
	Cron     CronStore
	Pairing  PairingStore
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	// Backend is "file" (default) or "postgres".
	Backend string
	// DataDir is the root directory for file-backed stores.
	DataDir string
	// PostgresDSN configures the optional Postgres backend for Sessions.
	PostgresDSN string
}
