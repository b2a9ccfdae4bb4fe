package features

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
)

var errWouldBlock = errors.New("lock held elsewhere")

const lockPollInterval = 25 * time.Millisecond

// Options configures a Store.
type Options struct {
	// File is the feature list path relative to the project root.
	File string
	// BackupSuffix is appended to File to name the backup snapshot.
	BackupSuffix string
	// AutoRestoreEmpty restores an empty primary list from a non-empty backup.
	AutoRestoreEmpty bool
	// LockTimeout bounds how long an update waits for the cross-process lock.
	LockTimeout time.Duration

	Logger   *logx.Logger
	Recorder metrics.Recorder
}

// OptionsFromConfig builds Options from the features config section.
func OptionsFromConfig(cfg config.FeaturesConfig) Options {
	return Options{
		File:             cfg.File,
		BackupSuffix:     cfg.BackupSuffix,
		AutoRestoreEmpty: cfg.AutoRestoreEnabled(),
		LockTimeout:      cfg.LockTimeout.Duration,
	}
}

// Update is a single-feature status change.
type Update struct {
	FeatureID string
	Status    Status
	// Summary replaces the stored summary when non-nil.
	Summary *string
}

// UpdateResult describes an accepted update.
type UpdateResult struct {
	Feature  Feature
	Count    int
	Restored bool
}

// Paths locates a project's feature list files.
type Paths struct {
	Primary string
	Backup  string
	Lock    string
}

// Store guards every project's feature list. One Store is shared per process.
type Store struct {
	opts   Options
	logger *logx.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store, filling unset options with defaults.
func NewStore(opts Options) *Store {
	if opts.File == "" {
		opts.File = config.DefaultFeatureFile
	}
	if opts.BackupSuffix == "" {
		opts.BackupSuffix = config.DefaultBackupSuffix
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = config.DefaultLockTimeout
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewLogger("features")
	}
	return &Store{
		opts:   opts,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Paths returns the primary, backup and lock file locations for projectPath.
func (s *Store) Paths(projectPath string) (Paths, error) {
	if projectPath == "" {
		return Paths{}, errors.New("project path is required")
	}
	root, err := filepath.Abs(projectPath)
	if err != nil {
		return Paths{}, fmt.Errorf("failed to resolve project path: %w", err)
	}
	primary := s.opts.File
	if !filepath.IsAbs(primary) {
		primary = filepath.Join(root, primary)
	}
	return Paths{
		Primary: primary,
		Backup:  primary + s.opts.BackupSuffix,
		Lock:    primary + ".lock",
	}, nil
}

// List returns the current feature list without taking the lock.
// Writes are atomic renames, so a reader never sees a partial file.
func (s *Store) List(ctx context.Context, projectPath string) ([]Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	paths, err := s.Paths(projectPath)
	if err != nil {
		return nil, err
	}
	list, _, err := readList(paths.Primary)
	return list, err
}

// UpdateStatus applies one status change under the project lock.
//
// The sequence is load, validate, refresh backup, restore-if-emptied, apply,
// re-validate non-empty, write. Any failure leaves the primary untouched.
func (s *Store) UpdateStatus(ctx context.Context, projectPath string, u Update) (*UpdateResult, error) {
	if u.FeatureID == "" {
		s.opts.Recorder.FeatureUpdate(metrics.OutcomeRejected)
		return nil, ErrInvalidFeatureID
	}
	if !u.Status.Valid() {
		s.opts.Recorder.FeatureUpdate(metrics.OutcomeRejected)
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, u.Status)
	}

	paths, err := s.Paths(projectPath)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, paths)
	if err != nil {
		s.opts.Recorder.FeatureUpdate(metrics.OutcomeError)
		return nil, err
	}
	defer unlock()

	res, err := s.update(paths, u)
	switch {
	case err == nil:
		s.opts.Recorder.FeatureUpdate(metrics.OutcomeSuccess)
	case errors.Is(err, ErrFeatureNotFound), errors.Is(err, ErrEmptyWriteRefused), errors.Is(err, ErrCorruptState):
		s.opts.Recorder.FeatureUpdate(metrics.OutcomeRejected)
	default:
		s.opts.Recorder.FeatureUpdate(metrics.OutcomeError)
	}
	return res, err
}

func (s *Store) update(paths Paths, u Update) (*UpdateResult, error) {
	list, raw, err := readList(paths.Primary)
	if err != nil {
		return nil, err
	}

	backup, err := readBackup(paths.Backup)
	if err != nil {
		// An unreadable backup never blocks an update; it is rewritten below.
		s.logger.Warn("Ignoring unusable backup %s: %v", paths.Backup, err)
		backup = nil
	}

	restored := false
	if len(list) == 0 && len(backup) > 0 {
		if !s.opts.AutoRestoreEmpty {
			s.logger.Warn("Feature list %s is empty but backup holds %d features; auto-restore is disabled", paths.Primary, len(backup))
		} else {
			s.logger.Warn("Feature list %s is empty; restoring %d features from backup", paths.Primary, len(backup))
			s.opts.Recorder.FeatureRestored()
			list = backup
			restored = true
		}
	}

	// The backup always holds the last non-empty state the primary had before this write.
	if !restored && len(list) > 0 {
		if err := atomicWriteFile(paths.Backup, raw, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write backup: %w", err)
		}
	}

	idx := -1
	for i := range list {
		if list[i].ID == u.FeatureID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, u.FeatureID)
	}

	candidate := make([]Feature, len(list))
	copy(candidate, list)
	candidate[idx].Status = u.Status
	if u.Summary != nil {
		candidate[idx].Summary = *u.Summary
	}

	if len(candidate) == 0 {
		s.logger.Error("Refusing empty write to %s", paths.Primary)
		return nil, ErrEmptyWriteRefused
	}
	if err := Validate(candidate); err != nil {
		return nil, err
	}
	data, err := Encode(candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode feature list: %w", err)
	}
	if err := atomicWriteFile(paths.Primary, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write feature list: %w", err)
	}

	s.logger.Info("Feature %s -> %s (%d features)", u.FeatureID, u.Status, len(candidate))
	return &UpdateResult{
		Feature:  candidate[idx],
		Count:    len(candidate),
		Restored: restored,
	}, nil
}

// lock takes the in-process mutex for the project, then the cross-process file lock.
func (s *Store) lock(ctx context.Context, paths Paths) (func(), error) {
	s.mu.Lock()
	m, ok := s.locks[paths.Primary]
	if !ok {
		m = &sync.Mutex{}
		s.locks[paths.Primary] = m
	}
	s.mu.Unlock()
	m.Lock()

	if err := os.MkdirAll(filepath.Dir(paths.Lock), 0o755); err != nil {
		m.Unlock()
		return nil, fmt.Errorf("failed to create feature directory: %w", err)
	}

	deadline := time.Now().Add(s.opts.LockTimeout)
	for {
		f, err := tryLockFile(paths.Lock)
		if err == nil {
			return func() {
				if err := unlockFile(f); err != nil {
					s.logger.Warn("Failed to release %s: %v", paths.Lock, err)
				}
				m.Unlock()
			}, nil
		}
		if !errors.Is(err, errWouldBlock) {
			m.Unlock()
			return nil, err
		}
		if time.Now().After(deadline) {
			m.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrLocked, paths.Lock)
		}
		select {
		case <-ctx.Done():
			m.Unlock()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// readList loads the primary file. A missing file is an empty list.
func readList(path string) ([]Feature, []byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []Feature{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read feature list: %w", err)
	}
	list, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return list, data, nil
}

func readBackup(path string) ([]Feature, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
