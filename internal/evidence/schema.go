package evidence

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    spec_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    kind TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    payload BLOB NOT NULL,
    UNIQUE(spec_id, stage, kind, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_spec ON artifacts(spec_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_spec_stage ON artifacts(spec_id, stage);
`
