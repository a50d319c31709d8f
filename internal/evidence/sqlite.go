package evidence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed evidence persistence
type Store struct {
	db      *sql.DB
	limitMB int
	logger  *log.Logger

	mu     sync.Mutex
	warned map[string]bool // spec ids already past the soft size limit
}

// NewStore opens the evidence database. limitMB is the soft per-spec size
// limit; 0 disables the warning.
func NewStore(dbPath string, limitMB int, logger *log.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{db: db, limitMB: limitMB, logger: logger, warned: make(map[string]bool)}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteVerdict stores a stage verdict
func (s *Store) WriteVerdict(specID string, stage domain.StageID, ts time.Time, v *domain.ConsensusVerdict) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(specID, string(stage), KindVerdict, ts, payload)
}

// WriteQualityResolution stores one resolved or escalated quality issue
func (s *Store) WriteQualityResolution(specID string, stage domain.StageID, ts time.Time, issue *domain.QualityIssue) error {
	payload, err := json.Marshal(issue)
	if err != nil {
		return err
	}
	return s.write(specID, string(stage), KindResolution, ts, payload)
}

// WriteTelemetry stores a schema-versioned telemetry record. The record's
// own SpecID/Stage/Timestamp fields key the write.
func (s *Store) WriteTelemetry(rec *TelemetryRecord) error {
	if rec.SchemaVersion == "" {
		rec.SchemaVersion = SchemaVersion
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("telemetry timestamp %q: %w", rec.Timestamp, err)
	}
	return s.write(rec.SpecID, rec.Stage, KindTelemetry, ts, payload)
}

// write inserts one artifact. The UNIQUE index plus OR IGNORE makes the
// operation idempotent: an identical replay stores nothing new.
func (s *Store) write(specID, stage string, kind Kind, ts time.Time, payload []byte) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO artifacts (spec_id, stage, kind, timestamp, payload)
		VALUES (?, ?, ?, ?, ?)
	`, specID, stage, string(kind), ts.UTC().Format(time.RFC3339), payload)
	if err != nil {
		return fmt.Errorf("writing %s evidence for %s/%s: %w", kind, specID, stage, err)
	}
	s.checkSize(specID)
	return nil
}

// ReadLatest returns the newest payload for (spec, stage, kind)
func (s *Store) ReadLatest(specID string, stage domain.StageID, kind Kind) ([]byte, error) {
	row := s.db.QueryRow(`
		SELECT payload FROM artifacts
		WHERE spec_id = ? AND stage = ? AND kind = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1
	`, specID, string(stage), string(kind))

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, specID, stage, kind)
		}
		return nil, err
	}
	return payload, nil
}

// ListArtifacts returns metadata for everything stored for a spec
func (s *Store) ListArtifacts(specID string) ([]ArtifactMeta, error) {
	rows, err := s.db.Query(`
		SELECT spec_id, stage, kind, timestamp, length(payload)
		FROM artifacts WHERE spec_id = ?
		ORDER BY timestamp, id
	`, specID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArtifactMeta
	for rows.Next() {
		var m ArtifactMeta
		var kind string
		if err := rows.Scan(&m.SpecID, &m.Stage, &kind, &m.Timestamp, &m.SizeBytes); err != nil {
			return nil, err
		}
		m.Kind = Kind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}

// checkSize warns once per spec when stored evidence passes the soft
// limit. Writes are never rejected on size.
func (s *Store) checkSize(specID string) {
	if s.limitMB <= 0 {
		return
	}
	s.mu.Lock()
	already := s.warned[specID]
	s.mu.Unlock()
	if already {
		return
	}

	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(length(payload)) FROM artifacts WHERE spec_id = ?`, specID).Scan(&total); err != nil {
		return
	}
	limit := int64(s.limitMB) * 1024 * 1024
	if total.Valid && total.Int64 > limit {
		s.mu.Lock()
		s.warned[specID] = true
		s.mu.Unlock()
		s.logger.Printf("[evidence] spec %s evidence size %d bytes exceeds soft limit of %d MB", specID, total.Int64, s.limitMB)
	}
}
