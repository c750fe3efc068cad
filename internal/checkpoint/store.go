// Package checkpoint persists per-batch results and phase completion markers.
//
// Each batch is one JSON-lines file named {phase}-batch-{index}.jsonl. The
// first line is a header carrying the phase, batch index and item count; every
// following line is one item. Files are replaced atomically (temp file, fsync,
// rename), so readers see either the previous or the new content. A file whose
// header or item count does not match is treated as absent, which makes the
// batch run again.
package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/resilience"
)

const (
	batchInfix      = "-batch-"
	batchExt        = ".jsonl"
	completeExt     = ".complete"
	manifestExt     = ".manifest"
	recordKindBatch = "batch"
	recordKindItem  = "item"
)

var phaseNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidatePhaseName rejects names that are not safe as a file name prefix.
func ValidatePhaseName(phase string) error {
	if !phaseNameRe.MatchString(phase) {
		return resilience.NewConfigurationError("checkpoint: invalid phase name %q", phase)
	}
	return nil
}

// Store is a directory of checkpoint files. Writers of the same
// (phase, batch) key are serialized; different keys write concurrently.
type Store struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore opens (creating if needed) a checkpoint directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, resilience.NewConfigurationError("checkpoint: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, resilience.NewCheckpointIOError(eris.Wrapf(err, "checkpoint: create dir %s", dir))
	}
	return &Store{
		dir:   dir,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.dir }

type batchHeader struct {
	Kind        string    `json:"kind"`
	Phase       string    `json:"phase"`
	BatchIndex  int       `json:"batch_index"`
	ItemCount   int       `json:"item_count"`
	CompletedAt time.Time `json:"completed_at"`
}

type itemRecord struct {
	Kind string `json:"kind"`
	model.Item
}

// Batch is a checkpointed batch.
type Batch struct {
	Phase       string       `json:"phase"`
	Index       int          `json:"batch_index"`
	Items       []model.Item `json:"items"`
	CompletedAt time.Time    `json:"completed_at"`
}

func (s *Store) batchPath(phase string, index int) string {
	return filepath.Join(s.dir, phase+batchInfix+strconv.Itoa(index)+batchExt)
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// SaveBatch atomically replaces the checkpoint for (phase, index) with items.
// Any failure is a CheckpointIOError.
func (s *Store) SaveBatch(ctx context.Context, phase string, index int, items []model.Item) error {
	if err := ValidatePhaseName(phase); err != nil {
		return err
	}
	if index < 0 {
		return resilience.NewConfigurationError("checkpoint: negative batch index %d", index)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.batchPath(phase, index)
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	err := s.writeAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		hdr := batchHeader{
			Kind:        recordKindBatch,
			Phase:       phase,
			BatchIndex:  index,
			ItemCount:   len(items),
			CompletedAt: s.now().UTC(),
		}
		if err := enc.Encode(hdr); err != nil {
			return eris.Wrap(err, "encode header")
		}
		for _, it := range items {
			if err := enc.Encode(itemRecord{Kind: recordKindItem, Item: it}); err != nil {
				return eris.Wrapf(err, "encode item %s", it.ID)
			}
		}
		return nil
	})
	if err != nil {
		return resilience.NewCheckpointIOError(eris.Wrapf(err, "checkpoint: save %s batch %d", phase, index))
	}

	zap.L().Debug("checkpoint: batch saved",
		zap.String("phase", phase),
		zap.Int("batch", index),
		zap.Int("items", len(items)),
	)
	return nil
}

// writeAtomic writes via a temp file in the same directory and renames it
// over path. The temp file is removed on failure.
func (s *Store) writeAtomic(path string, write func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "create temp file")
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err = write(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return eris.Wrap(err, "flush")
	}
	if err = tmp.Sync(); err != nil {
		return eris.Wrap(err, "fsync")
	}
	if err = tmp.Close(); err != nil {
		return eris.Wrap(err, "close")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrap(err, "rename")
	}
	syncDir(s.dir)
	return nil
}

// syncDir makes a rename durable. Not every platform supports fsync on a
// directory, so errors are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// errCorrupt marks a checkpoint file that exists but cannot be trusted.
var errCorrupt = errors.New("corrupted checkpoint")

// LoadBatch reads one checkpoint. It reports ok=false when the file is missing
// or corrupted; only unexpected read failures are returned as errors.
func (s *Store) LoadBatch(ctx context.Context, phase string, index int) ([]model.Item, bool, error) {
	b, ok, err := s.loadBatch(ctx, phase, index)
	if !ok || err != nil {
		return nil, ok, err
	}
	return b.Items, true, nil
}

func (s *Store) loadBatch(ctx context.Context, phase string, index int) (*Batch, bool, error) {
	if err := ValidatePhaseName(phase); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	path := s.batchPath(phase, index)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, resilience.NewCheckpointIOError(eris.Wrapf(err, "checkpoint: open %s", path))
	}
	defer f.Close() //nolint:errcheck

	b, err := decodeBatch(f, phase, index)
	if err != nil {
		zap.L().Warn("checkpoint: ignoring corrupted batch file",
			zap.String("phase", phase),
			zap.Int("batch", index),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, false, nil
	}
	return b, true, nil
}

func decodeBatch(r io.Reader, phase string, index int) (*Batch, error) {
	dec := json.NewDecoder(bufio.NewReader(r))

	var hdr batchHeader
	if err := dec.Decode(&hdr); err != nil {
		return nil, eris.Wrapf(errCorrupt, "header: %v", err)
	}
	if hdr.Kind != recordKindBatch || hdr.Phase != phase || hdr.BatchIndex != index || hdr.ItemCount < 0 {
		return nil, eris.Wrapf(errCorrupt, "header mismatch: kind=%q phase=%q batch=%d",
			hdr.Kind, hdr.Phase, hdr.BatchIndex)
	}

	items := make([]model.Item, 0, hdr.ItemCount)
	for dec.More() {
		var rec itemRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, eris.Wrapf(errCorrupt, "item %d: %v", len(items), err)
		}
		if rec.Kind != recordKindItem || rec.ID == "" {
			return nil, eris.Wrapf(errCorrupt, "item %d: bad record", len(items))
		}
		items = append(items, rec.Item)
	}
	if len(items) != hdr.ItemCount {
		return nil, eris.Wrapf(errCorrupt, "item count %d, header says %d", len(items), hdr.ItemCount)
	}

	return &Batch{
		Phase:       phase,
		Index:       index,
		Items:       items,
		CompletedAt: hdr.CompletedAt,
	}, nil
}

// batchIndexes lists the batch indexes that have a file for phase, sorted.
// Validity is not checked.
func (s *Store) batchIndexes(phase string) ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, resilience.NewCheckpointIOError(eris.Wrapf(err, "checkpoint: read dir %s", s.dir))
	}
	prefix := phase + batchInfix
	var out []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, batchExt) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), batchExt))
		if err != nil || n < 0 {
			continue
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out, nil
}

// LoadCompletedBatches returns every valid checkpoint of phase keyed by batch
// index. Missing files are simply absent; corrupted files are skipped.
func (s *Store) LoadCompletedBatches(ctx context.Context, phase string) (map[int][]model.Item, error) {
	if err := ValidatePhaseName(phase); err != nil {
		return nil, err
	}
	idx, err := s.batchIndexes(phase)
	if err != nil {
		return nil, err
	}
	out := make(map[int][]model.Item, len(idx))
	for _, i := range idx {
		items, ok, err := s.LoadBatch(ctx, phase, i)
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = items
		}
	}
	return out, nil
}

// ResumePoint returns the lowest batch index in [0, totalBatches) without a
// valid checkpoint, or totalBatches when every batch is present.
func (s *Store) ResumePoint(ctx context.Context, phase string, totalBatches int) int {
	for i := range totalBatches {
		if _, ok, err := s.LoadBatch(ctx, phase, i); err != nil || !ok {
			return i
		}
	}
	return max(totalBatches, 0)
}

// LoadPhaseItems returns the items of every valid batch of phase,
// concatenated in batch order.
func (s *Store) LoadPhaseItems(ctx context.Context, phase string) ([]model.Item, error) {
	batches, err := s.LoadCompletedBatches(ctx, phase)
	if err != nil {
		return nil, err
	}
	idx := make([]int, 0, len(batches))
	for i := range batches {
		idx = append(idx, i)
	}
	slices.Sort(idx)

	var out []model.Item
	for _, i := range idx {
		out = append(out, batches[i]...)
	}
	return out, nil
}

// LoadBatchDetail returns a checkpointed batch with its completion time.
func (s *Store) LoadBatchDetail(ctx context.Context, phase string, index int) (*Batch, bool, error) {
	return s.loadBatch(ctx, phase, index)
}
