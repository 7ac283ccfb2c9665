// Package checkpoint persists immutable snapshots of the state document.
//
// Snapshots are stored under
//
//	checkpoints/checkpoint_<run_id>_<name>_<timestamp>.json
//
// next to a per-run pointer, checkpoints/checkpoint_<run_id>_latest.json,
// that is rewritten after every save. A snapshot key is written once and
// never replaced. Storage is delegated to a Backend: local files through
// afero, an S3-compatible bucket, or a Postgres table.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/logging"
	"github.com/Iron-Ham/paperrepro/internal/state"
)

// Latest selects the most recent checkpoint in Load.
const Latest = "latest"

const (
	dirPrefix       = "checkpoints/"
	filePrefix      = "checkpoint_"
	ext             = ".json"
	timestampLayout = "20060102T150405.000000000Z"
)

// Named trigger points.
const (
	NamePlanApproved  = "plan_approved"
	NameAwaitingInput = "awaiting_input"
	NameFinalReport   = "final_report"
	NameEscalation    = "escalation"
)

// StageComplete names the checkpoint taken after a stage finishes.
func StageComplete(stageID string) string {
	return "stage_" + stageID + "_complete"
}

// Backtrack names the checkpoint taken after the n-th backtrack.
func Backtrack(n int) string {
	return fmt.Sprintf("backtrack_%d", n)
}

var (
	runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]*$`)
	unsafeName   = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
)

// ValidRunID reports whether id can be used in checkpoint keys. Underscores
// are excluded so keys split unambiguously.
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// SanitizeName maps a checkpoint name onto the key alphabet.
func SanitizeName(name string) string {
	name = unsafeName.ReplaceAllString(strings.TrimSpace(name), "-")
	if name == "" || name == Latest {
		name = "checkpoint"
	}
	return name
}

// Entry is one listed checkpoint.
type Entry struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
}

// pointer is the content of the latest pointer.
type pointer struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// Store saves, lists and loads checkpoints.
type Store struct {
	backend Backend
	logger  *logging.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a store on top of backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, logger: logging.NopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func runPrefix(runID string) string {
	return dirPrefix + filePrefix + runID + "_"
}

func snapshotKey(runID, name string, ts time.Time) string {
	return runPrefix(runID) + name + "_" + ts.UTC().Format(timestampLayout) + ext
}

func latestKey(runID string) string {
	return runPrefix(runID) + Latest + ext
}

// Save records a snapshot of doc under name and returns its reference. The
// reference is appended to doc.Checkpoints before the snapshot is taken, so
// every snapshot lists itself. On failure doc is left unchanged.
func (s *Store) Save(ctx context.Context, doc *state.Document, name string) (state.CheckpointRef, error) {
	if !ValidRunID(doc.RunID) {
		return state.CheckpointRef{}, errors.NewValidationError("run id cannot be used in checkpoint keys").
			WithField("run_id").WithValue(doc.RunID)
	}
	name = SanitizeName(name)
	ts := s.now().UTC()
	// Keys are only unique to the timestamp's resolution; step past the last
	// checkpoint when the clock has not advanced.
	if n := len(doc.Checkpoints); n > 0 && !ts.After(doc.Checkpoints[n-1].Timestamp) {
		ts = doc.Checkpoints[n-1].Timestamp.Add(time.Nanosecond)
	}
	ref := state.CheckpointRef{Name: name, Timestamp: ts, Path: snapshotKey(doc.RunID, name, ts)}

	prev := doc.Checkpoints
	doc.Checkpoints = append(append([]state.CheckpointRef{}, prev...), ref)
	snapshot := doc.Clone()
	data, err := snapshot.Marshal()
	if err != nil {
		doc.Checkpoints = prev
		return state.CheckpointRef{}, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := s.backend.PutIfNotExists(ctx, ref.Path, data); err != nil {
		doc.Checkpoints = prev
		return state.CheckpointRef{}, err
	}

	ptr, err := json.Marshal(pointer{RunID: doc.RunID, Name: name, Path: ref.Path, Timestamp: ts})
	if err != nil {
		return ref, fmt.Errorf("failed to marshal latest pointer: %w", err)
	}
	if err := s.backend.Put(ctx, latestKey(doc.RunID), ptr); err != nil {
		return ref, fmt.Errorf("failed to update latest pointer: %w", err)
	}

	s.logger.Info("checkpoint saved",
		"run_id", doc.RunID,
		"name", name,
		"path", ref.Path,
		"size", len(data),
	)
	return ref, nil
}

// List returns every snapshot of runID, newest first.
func (s *Store) List(ctx context.Context, runID string) ([]Entry, error) {
	if !ValidRunID(runID) {
		return nil, errors.NewValidationError("invalid run id").WithField("run_id").WithValue(runID)
	}
	objects, err := s.backend.List(ctx, runPrefix(runID))
	if err != nil {
		return nil, err
	}

	latest := latestKey(runID)
	var entries []Entry
	for _, o := range objects {
		if o.Key == latest {
			continue
		}
		name, ts, ok := parseKey(runID, o.Key)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Name: name, Timestamp: ts, Path: o.Key, Size: o.Size})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].Path > entries[j].Path
	})
	return entries, nil
}

// parseKey splits a snapshot key into name and timestamp.
func parseKey(runID, key string) (string, time.Time, bool) {
	rest, ok := strings.CutPrefix(key, runPrefix(runID))
	if !ok {
		return "", time.Time{}, false
	}
	rest, ok = strings.CutSuffix(rest, ext)
	if !ok {
		return "", time.Time{}, false
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", time.Time{}, false
	}
	ts, err := time.Parse(timestampLayout, rest[i+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return rest[:i], ts, true
}

// Load returns the snapshot named name, or the most recent one for Latest.
// When several snapshots share a name the newest wins. A snapshot path as
// returned by List is also accepted.
func (s *Store) Load(ctx context.Context, runID, name string) (*state.Document, error) {
	key, err := s.resolve(ctx, runID, name)
	if err != nil {
		return nil, err
	}
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errors.ErrCheckpointNotFound) {
			return nil, errors.NewNotFoundError("checkpoint", runID+"/"+name).WithCause(err)
		}
		return nil, err
	}
	doc, err := state.Unmarshal(data)
	if err != nil {
		return nil, errors.NewRunError("failed to decode checkpoint", err).WithRunID(runID).WithCheckpoint(name)
	}
	if doc.RunID != runID {
		return nil, errors.NewRunError("checkpoint belongs to another run", errors.ErrCheckpointCorrupted).
			WithRunID(runID).WithCheckpoint(name)
	}
	s.logger.Debug("checkpoint loaded", "run_id", runID, "path", key)
	return doc, nil
}

func (s *Store) resolve(ctx context.Context, runID, name string) (string, error) {
	if !ValidRunID(runID) {
		return "", errors.NewValidationError("invalid run id").WithField("run_id").WithValue(runID)
	}
	if name == "" || name == Latest {
		data, err := s.backend.Get(ctx, latestKey(runID))
		if err != nil {
			if errors.Is(err, errors.ErrCheckpointNotFound) {
				return "", errors.NewNotFoundError("checkpoint", runID+"/"+Latest).WithCause(err)
			}
			return "", err
		}
		var p pointer
		if err := json.Unmarshal(data, &p); err != nil || p.Path == "" {
			return "", errors.NewRunError("latest pointer is unreadable", errors.ErrCheckpointCorrupted).WithRunID(runID)
		}
		return p.Path, nil
	}

	if strings.HasPrefix(name, runPrefix(runID)) {
		return name, nil
	}

	entries, err := s.List(ctx, runID)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.Path, nil
		}
	}
	return "", errors.NewNotFoundError("checkpoint", runID+"/"+name).WithCause(errors.ErrCheckpointNotFound)
}

// Exists reports whether runID has at least one checkpoint.
func (s *Store) Exists(ctx context.Context, runID string) (bool, error) {
	_, err := s.resolve(ctx, runID, Latest)
	if err == nil {
		return true, nil
	}
	if errors.IsNotFound(err) {
		return false, nil
	}
	return false, err
}
