package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/resilience"
)

// Worker kinds a manifest phase may name.
const (
	workerFetch       = "fetch"
	workerPassthrough = "passthrough"
)

// runManifest is the YAML description of a run.
type runManifest struct {
	Phases []phaseSpec `yaml:"phases"`

	// dir resolves relative item paths.
	dir string
}

// phaseSpec declares one phase of a manifest.
type phaseSpec struct {
	Name      string   `yaml:"name"`
	DependsOn []string `yaml:"depends_on"`
	// Items is a JSONL file of {"id", "payload"} records. Phases without it
	// consume their dependencies' output.
	Items  string `yaml:"items"`
	Worker string `yaml:"worker"`

	// Fetch worker settings.
	URLField string   `yaml:"url_field"`
	Required []string `yaml:"required"`

	// Dedupe merges duplicates within each batch before it is checkpointed.
	Dedupe bool `yaml:"dedupe"`

	BatchSize      int `yaml:"batch_size"`
	MaxConcurrency int `yaml:"max_concurrency"`
}

// loadManifest reads and validates a manifest file. Unknown keys are
// rejected so a typo cannot silently change a run.
func loadManifest(path string) (*runManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "manifest: read %s", path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m runManifest
	if err := dec.Decode(&m); err != nil {
		return nil, resilience.NewConfigurationError("manifest: parse %s: %v", path, err)
	}
	m.dir = filepath.Dir(path)

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *runManifest) validate() error {
	if len(m.Phases) == 0 {
		return resilience.NewConfigurationError("manifest: no phases declared")
	}
	for i := range m.Phases {
		p := &m.Phases[i]
		if p.Worker == "" {
			p.Worker = workerPassthrough
		}
		switch p.Worker {
		case workerFetch:
			if p.URLField == "" {
				p.URLField = "url"
			}
		case workerPassthrough:
		default:
			return resilience.NewConfigurationError("manifest: phase %q: unknown worker %q (want fetch or passthrough)", p.Name, p.Worker)
		}
		if p.Items == "" && len(p.DependsOn) == 0 {
			return resilience.NewConfigurationError("manifest: phase %q needs items or depends_on", p.Name)
		}
	}
	return nil
}

// itemsPath resolves a phase's item file against the manifest directory.
func (m *runManifest) itemsPath(p phaseSpec) string {
	if filepath.IsAbs(p.Items) {
		return p.Items
	}
	return filepath.Join(m.dir, p.Items)
}

// readItems reads a JSONL item file. Blank lines are skipped; ids must be
// present and unique.
func readItems(path string) ([]model.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "items: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var items []model.Item
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var it model.Item
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, resilience.NewConfigurationError("items: %s line %d: %v", path, line, err)
		}
		if it.Payload == nil {
			it.Payload = model.Payload{}
		}
		items = append(items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "items: read %s", path)
	}
	if err := model.ValidateIDs(items); err != nil {
		return nil, resilience.NewConfigurationError("items: %s: %v", path, err)
	}
	return items, nil
}
