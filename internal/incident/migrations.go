package incident

// migrations is the ordered list of schema versions. Index i holds the
// statements that bring the schema from version i to i+1.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			category TEXT NOT NULL,
			provider TEXT NOT NULL,
			source TEXT NOT NULL,
			session_id TEXT,
			task_id TEXT,
			detail TEXT,
			fragments INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_category ON incidents(category, created_at)`,
	},
}
