package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/resilience"
)

// completionMarker is the content of {phase}.complete.
type completionMarker struct {
	Phase       string    `json:"phase"`
	CompletedAt time.Time `json:"completed_at"`
}

func (s *Store) markerPath(phase string) string {
	return filepath.Join(s.dir, phase+completeExt)
}

func (s *Store) manifestPath(phase string) string {
	return filepath.Join(s.dir, phase+manifestExt)
}

func (s *Store) writeJSON(path string, v any) error {
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()
	return s.writeAtomic(path, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(v)
	})
}

// readJSON decodes path into v. It reports ok=false when the file is missing
// or unparsable.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, resilience.NewCheckpointIOError(eris.Wrapf(err, "checkpoint: read %s", path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		zap.L().Warn("checkpoint: ignoring unparsable file", zap.String("path", path), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// MarkPhaseComplete writes the phase completion marker.
func (s *Store) MarkPhaseComplete(ctx context.Context, phase string) error {
	if err := ValidatePhaseName(phase); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m := completionMarker{Phase: phase, CompletedAt: s.now().UTC()}
	if err := s.writeJSON(s.markerPath(phase), m); err != nil {
		return resilience.NewCheckpointIOError(eris.Wrapf(err, "checkpoint: mark %s complete", phase))
	}
	return nil
}

// IsPhaseComplete reports whether phase has a valid completion marker.
func (s *Store) IsPhaseComplete(_ context.Context, phase string) bool {
	if ValidatePhaseName(phase) != nil {
		return false
	}
	var m completionMarker
	ok, err := readJSON(s.markerPath(phase), &m)
	return err == nil && ok && m.Phase == phase
}

// PhaseCompletedAt returns when phase was marked complete.
func (s *Store) PhaseCompletedAt(_ context.Context, phase string) (time.Time, bool) {
	if ValidatePhaseName(phase) != nil {
		return time.Time{}, false
	}
	var m completionMarker
	ok, err := readJSON(s.markerPath(phase), &m)
	if err != nil || !ok || m.Phase != phase {
		return time.Time{}, false
	}
	return m.CompletedAt, true
}

// Manifest fingerprints the item universe of a phase so that a resume against
// a different item list or batch size is detected instead of silently
// mis-aligning batch boundaries.
type Manifest struct {
	Phase        string    `json:"phase"`
	Fingerprint  string    `json:"fingerprint"`
	BatchSize    int       `json:"batch_size"`
	TotalItems   int       `json:"total_items"`
	TotalBatches int       `json:"total_batches"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewManifest builds the manifest for an ordered id list.
func NewManifest(phase string, ids []string, batchSize int) Manifest {
	total := 0
	if batchSize > 0 {
		total = (len(ids) + batchSize - 1) / batchSize
	}
	return Manifest{
		Phase:        phase,
		Fingerprint:  Fingerprint(ids, batchSize),
		BatchSize:    batchSize,
		TotalItems:   len(ids),
		TotalBatches: total,
	}
}

// Fingerprint hashes the ordered ids together with the batch size.
func Fingerprint(ids []string, batchSize int) string {
	h := sha256.New()
	h.Write([]byte("batch_size=" + strconv.Itoa(batchSize) + "\n"))
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SaveManifest writes the manifest of m.Phase.
func (s *Store) SaveManifest(ctx context.Context, m Manifest) error {
	if err := ValidatePhaseName(m.Phase); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if err := s.writeJSON(s.manifestPath(m.Phase), m); err != nil {
		return resilience.NewCheckpointIOError(eris.Wrapf(err, "checkpoint: save %s manifest", m.Phase))
	}
	return nil
}

// LoadManifest reads the manifest of phase; ok=false when none is saved.
func (s *Store) LoadManifest(_ context.Context, phase string) (*Manifest, bool, error) {
	if err := ValidatePhaseName(phase); err != nil {
		return nil, false, err
	}
	var m Manifest
	ok, err := readJSON(s.manifestPath(phase), &m)
	if err != nil || !ok {
		return nil, false, err
	}
	return &m, true, nil
}

// ListPhases returns the names of every phase with at least one file in the
// store, sorted.
func (s *Store) ListPhases(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, resilience.NewCheckpointIOError(eris.Wrapf(err, "checkpoint: read dir %s", s.dir))
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		var phase string
		switch {
		case strings.HasSuffix(name, batchExt):
			i := strings.LastIndex(name, batchInfix)
			if i <= 0 {
				continue
			}
			phase = name[:i]
		case strings.HasSuffix(name, completeExt):
			phase = strings.TrimSuffix(name, completeExt)
		case strings.HasSuffix(name, manifestExt):
			phase = strings.TrimSuffix(name, manifestExt)
		default:
			continue
		}
		if ValidatePhaseName(phase) == nil {
			seen[phase] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

// ResetPhase deletes every file of phase: batches, marker and manifest.
func (s *Store) ResetPhase(_ context.Context, phase string) error {
	if err := ValidatePhaseName(phase); err != nil {
		return err
	}
	idx, err := s.batchIndexes(phase)
	if err != nil {
		return err
	}
	paths := []string{s.markerPath(phase), s.manifestPath(phase)}
	for _, i := range idx {
		paths = append(paths, s.batchPath(phase, i))
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return resilience.NewCheckpointIOError(eris.Wrapf(err, "checkpoint: remove %s", p))
		}
	}
	zap.L().Info("checkpoint: phase reset", zap.String("phase", phase), zap.Int("batches", len(idx)))
	return nil
}

// PhaseStatus summarizes the durable state of a phase.
type PhaseStatus struct {
	Phase          string     `json:"phase"`
	Complete       bool       `json:"complete"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ValidBatches   []int      `json:"valid_batches"`
	CorruptBatches []int      `json:"corrupt_batches,omitempty"`
	ItemCount      int        `json:"item_count"`
	FlaggedItems   int        `json:"flagged_items"`
	Manifest       *Manifest  `json:"manifest,omitempty"`
}

// Status inspects every file of phase.
func (s *Store) Status(ctx context.Context, phase string) (*PhaseStatus, error) {
	if err := ValidatePhaseName(phase); err != nil {
		return nil, err
	}
	idx, err := s.batchIndexes(phase)
	if err != nil {
		return nil, err
	}
	st := &PhaseStatus{Phase: phase, ValidBatches: []int{}}
	for _, i := range idx {
		items, ok, err := s.LoadBatch(ctx, phase, i)
		if err != nil {
			return nil, err
		}
		if !ok {
			st.CorruptBatches = append(st.CorruptBatches, i)
			continue
		}
		st.ValidBatches = append(st.ValidBatches, i)
		st.ItemCount += len(items)
		for _, it := range items {
			if it.QualityFlags.Len() > 0 {
				st.FlaggedItems++
			}
		}
	}
	if at, ok := s.PhaseCompletedAt(ctx, phase); ok {
		st.Complete = true
		st.CompletedAt = &at
	}
	if m, ok, err := s.LoadManifest(ctx, phase); err != nil {
		return nil, err
	} else if ok {
		st.Manifest = m
	}
	return st, nil
}
