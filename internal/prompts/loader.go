package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // checked in priority order, first match wins
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata. Version is stamped into every
// verdict produced with the template so evidence stays attributable.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// StageData is the input for stage templates
type StageData struct {
	SpecID     string
	Stage      string
	SpecPath   string
	Hints      string
	Aggregator bool
}

// GateData is the input for quality review templates
type GateData struct {
	SpecID   string
	Gate     string
	SpecPath string
	Artifact string
}

// NewLoader creates a loader with the given override directories
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .spec-orchestrator/prompts/
// 2. User config: ~/.config/spec-orchestrator/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	var dirs []string
	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".spec-orchestrator", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "spec-orchestrator", "prompts"))
	return NewLoader(dirs...)
}

// Stage renders the prompt for a stage. The aggregator flag selects the
// synthesis wrapper that asks for an agreements/conflicts report.
func (l *Loader) Stage(stage domain.StageID, data StageData) (string, *TemplateMeta, error) {
	data.Stage = string(stage)
	name := filepath.Join("stage", fmt.Sprintf("%s.md", stage))
	body, meta, err := l.render(name, data)
	if err != nil {
		return "", nil, err
	}
	if data.Aggregator {
		wrap, _, err := l.render(filepath.Join("stage", "aggregator.md"), data)
		if err != nil {
			return "", nil, err
		}
		body = body + "\n" + wrap
	}
	return body, meta, nil
}

// Gate renders the reviewer prompt for a quality gate type
func (l *Loader) Gate(gate domain.GateType, data GateData) (string, *TemplateMeta, error) {
	data.Gate = string(gate)
	return l.render(filepath.Join("quality", fmt.Sprintf("%s.md", gate)), data)
}

// Validator renders the higher-capability validator prompt for a
// majority-answer concurrence check.
func (l *Loader) Validator(data GateData) (string, *TemplateMeta, error) {
	return l.render(filepath.Join("quality", "validator.md"), data)
}

func (l *Loader) render(name string, data any) (string, *TemplateMeta, error) {
	tmpl, meta, err := l.load(name)
	if err != nil {
		return "", nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", nil, fmt.Errorf("rendering %s: %w", name, err)
	}
	return buf.String(), meta, nil
}

func (l *Loader) load(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	tmpl, ok := l.cache[name]
	meta := l.metaCache[name]
	l.mu.RUnlock()
	if ok {
		return tmpl, meta, nil
	}

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("loading prompt %s: %w", name, err)
	}
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s frontmatter: %w", name, err)
	}
	tmpl, err = template.New(name).Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()
	return tmpl, meta, nil
}

// loadContent loads raw content from override dirs or the embedded FS
func (l *Loader) loadContent(path string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, path)); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, filepath.ToSlash(path))
}

// parseFrontmatter splits content into frontmatter and body
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)
	if !strings.HasPrefix(str, "---\n") {
		return &TemplateMeta{}, str, nil
	}
	rest := str[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return nil, "", fmt.Errorf("unterminated frontmatter")
	}
	meta := &TemplateMeta{}
	if err := yaml.Unmarshal([]byte(rest[:end]), meta); err != nil {
		return nil, "", err
	}
	return meta, rest[end+len("\n---\n"):], nil
}
