// Package sink implements the append-only staging area for captured records.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/skyhive/skyhive/internal/pipeline"
)

// Hasher fingerprints a payload for the staged line. Digests let the ETL
// deduplicate re-captures without parsing payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// FileSystemSink appends line-delimited records to one file per
// (entity, kind) partition. Files are never rewritten, only appended, so a
// concurrent external ETL reader may safely tail them.
type FileSystemSink struct {
	root   string
	hasher Hasher
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileSystemSink returns a sink rooted at dir. A nil hasher disables
// payload digests.
func NewFileSystemSink(root string, hasher Hasher, logger *zap.Logger) (*FileSystemSink, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create sink dir %s: %w", root, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSystemSink{
		root:   root,
		hasher: hasher,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// stagedLine is the on-disk shape of one record. The digest rides outside
// Record so replaying a partition back into Records ignores it.
type stagedLine struct {
	pipeline.Record
	SHA256 string `json:"sha256,omitempty"`
}

// Append writes one self-contained record line to its partition file. The
// write is flushed before returning so a status transition observed after
// Append implies the record is on disk.
func (s *FileSystemSink) Append(ctx context.Context, rec pipeline.Record) error {
	if rec.EntityID == "" {
		return fmt.Errorf("record entity id is required")
	}
	if rec.Kind == "" {
		return fmt.Errorf("record kind is required")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	staged := stagedLine{Record: rec}
	if s.hasher != nil && len(rec.Payload) > 0 {
		digest, err := s.hasher.Hash(rec.Payload)
		if err != nil {
			return fmt.Errorf("hash payload: %w", err)
		}
		staged.SHA256 = digest
	}
	line, err := json.Marshal(staged)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	target := s.partitionPath(rec.EntityID, rec.Kind)
	lock := s.pathLock(target)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create partition dir for %s: %w", target, err)
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open partition %s: %w", target, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			s.logger.Warn("close partition file", zap.String("path", target), zap.Error(cerr))
		}
	}()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append record to %s: %w", target, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync partition %s: %w", target, err)
	}
	return nil
}

// LastCursor replays the partition tail and returns the most recent non-empty
// cursor, or "" when the partition has none. Interrupted pagination resumes
// from this value instead of page one.
func (s *FileSystemSink) LastCursor(ctx context.Context, entityID string, kind pipeline.RecordKind) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context canceled: %w", err)
	}
	target := s.partitionPath(entityID, kind)
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("open partition %s: %w", target, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	var cursor string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec pipeline.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A torn final line from a hard kill is not fatal; the entity
			// is simply re-collected from the previous cursor.
			s.logger.Warn("skipping unparsable staging line",
				zap.String("path", target), zap.Error(err))
			continue
		}
		if rec.Cursor != "" {
			cursor = rec.Cursor
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan partition %s: %w", target, err)
	}
	return cursor, nil
}

func (s *FileSystemSink) partitionPath(entityID string, kind pipeline.RecordKind) string {
	return filepath.Join(s.root, string(kind), sanitizeID(entityID)+".jsonl")
}

func (s *FileSystemSink) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

// sanitizeID makes an entity identifier safe as a file name component.
// DIDs carry ':' which is fine; path separators are not.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, id)
}
