package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"qcron/internal/job"
	logx "qcron/pkg/logx"
)

// fileStore keeps the state in a Memory store and persists it as:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
type fileStore struct {
	*Memory

	log logx.Logger

	wmu          sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op    string          `json:"op"` // put | delete | mark
	Job   *job.Definition `json:"job,omitempty"`
	ID    int64           `json:"id,omitempty"`
	At    time.Time       `json:"at,omitempty"`
	Saved time.Time       `json:"saved"`
}

type fileSnapshot struct {
	NextID   int64                   `json:"next_id"`
	Versions map[int64][]job.Version `json:"versions"`
	Marks    map[int64]time.Time     `json:"marks"`
}

func openFile(cfg Config, log logx.Logger, opts ...Option) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		Memory:       NewMemory(opts...),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 500,
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	m := s.Memory
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, vs := range snap.Versions {
		if len(vs) == 0 {
			continue
		}
		m.versions[id] = vs
		m.jobs[id] = vs[len(vs)-1].Definition
	}
	for id, at := range snap.Marks {
		m.marks[id] = at
	}
	m.nextID = snap.NextID
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	m := s.Memory
	m.mu.Lock()
	defer m.mu.Unlock()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last write is expected after a crash.
			s.log.Warn("storage journal line skipped", logx.Int("line", line), logx.Err(err))
			continue
		}
		switch r.Op {
		case "put":
			if r.Job != nil {
				m.putLocked(*r.Job)
			}
		case "delete":
			m.deleteLocked(r.ID)
		case "mark":
			m.marks[r.ID] = r.At
		}
	}
	return sc.Err()
}

func (s *fileStore) append(r journalRecord) error {
	r.Saved = time.Now().UTC()
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	s.writes++
	if s.writes >= s.compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("storage compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes a snapshot and truncates the journal. Call with wmu.
func (s *fileStore) compactLocked() error {
	m := s.Memory
	m.mu.RLock()
	snap := fileSnapshot{NextID: m.nextID, Versions: m.versions, Marks: m.marks}
	b, err := json.Marshal(snap)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, 0); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func (s *fileStore) Create(ctx context.Context, def job.Definition) (int64, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	id, err := s.Memory.Create(ctx, def)
	if err != nil {
		return 0, err
	}
	return id, s.appendPut(ctx, id)
}

func (s *fileStore) Update(ctx context.Context, def job.Definition) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.Memory.Update(ctx, def); err != nil {
		return err
	}
	return s.appendPut(ctx, def.ID)
}

func (s *fileStore) appendPut(ctx context.Context, id int64) error {
	cur, err := s.Memory.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.append(journalRecord{Op: "put", Job: &cur})
}

func (s *fileStore) Delete(ctx context.Context, id int64) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	ok, err := s.Memory.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	return true, s.append(journalRecord{Op: "delete", ID: id})
}

func (s *fileStore) SetWatermark(ctx context.Context, jobID int64, at time.Time) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.Memory.SetWatermark(ctx, jobID, at); err != nil {
		return err
	}
	return s.append(journalRecord{Op: "mark", ID: jobID, At: at})
}

func (s *fileStore) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	_ = s.Memory.Close()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}
