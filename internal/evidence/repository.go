package evidence

import (
	"errors"
	"time"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// SchemaVersion is stamped into every telemetry record
const SchemaVersion = "1"

// ErrNotFound means no artifact matched the query
var ErrNotFound = errors.New("no evidence artifact found")

// Kind distinguishes the stored artifact families
type Kind string

const (
	KindVerdict    Kind = "verdict"
	KindResolution Kind = "quality_resolution"
	KindTelemetry  Kind = "telemetry"
)

// TelemetryArtifact names one produced file and its status
type TelemetryArtifact struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// TelemetryRecord is the schema-versioned stage telemetry payload
type TelemetryRecord struct {
	SchemaVersion string              `json:"schemaVersion"`
	SpecID        string              `json:"specId"`
	Stage         string              `json:"stage"`
	Timestamp     string              `json:"timestamp"`
	Artifacts     []TelemetryArtifact `json:"artifacts"`
}

// ArtifactMeta describes one stored artifact without its payload
type ArtifactMeta struct {
	SpecID    string
	Stage     string
	Kind      Kind
	Timestamp string
	SizeBytes int
}

// Repository is the persistence boundary for run evidence. All writes
// are idempotent on (spec_id, stage, kind, timestamp): replaying an
// identical write stores nothing new.
type Repository interface {
	WriteVerdict(specID string, stage domain.StageID, ts time.Time, v *domain.ConsensusVerdict) error
	WriteQualityResolution(specID string, stage domain.StageID, ts time.Time, issue *domain.QualityIssue) error
	WriteTelemetry(rec *TelemetryRecord) error
	ReadLatest(specID string, stage domain.StageID, kind Kind) ([]byte, error)
	ListArtifacts(specID string) ([]ArtifactMeta, error)
	Close() error
}
