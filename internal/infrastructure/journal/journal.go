package journal

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vitos/signal_copy_trader/internal/domain"
	"go.uber.org/zap"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "GENESIS"

const (
	IssuePrevHashMismatch = "prev_hash_mismatch"
	IssueHashMismatch     = "hash_mismatch"
	IssueSequenceGap      = "sequence_gap"
	IssueMalformed        = "malformed"
)

// FileJournal is an append-only JSONL log where every entry carries the
// hash of the one before it. Appends are serialized and fsynced.
type FileJournal struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	file     *os.File
	seq      int64
	lastHash string
}

// Open opens or creates the journal at path and continues its chain from
// the last readable entry. Unreadable lines, such as one torn by a crash
// mid-append, are logged and left in place for Verify to report.
func Open(path string, logger *zap.Logger) (*FileJournal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	entries, malformed, err := scanFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := sealTail(f); err != nil {
		f.Close()
		return nil, err
	}
	j := &FileJournal{
		path:     path,
		logger:   logger,
		now:      time.Now,
		file:     f,
		lastHash: GenesisHash,
	}
	if len(malformed) > 0 {
		logger.Warn("Journal has unreadable lines, chain continues from the last valid entry",
			zap.String("path", path),
			zap.Ints("lines", malformed))
	}
	if n := len(entries); n > 0 {
		j.seq = entries[n-1].Sequence
		j.lastHash = entries[n-1].Hash
		logger.Info("Journal loaded",
			zap.String("path", path),
			zap.Int("entries", n),
			zap.Int64("last_sequence", j.seq))
	} else {
		logger.Info("Journal created", zap.String("path", path))
	}
	return j, nil
}

// sealTail terminates a partial last line so the next entry starts on a
// line of its own.
func sealTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read journal tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("seal journal tail: %w", err)
	}
	return f.Sync()
}

func (j *FileJournal) Path() string { return j.path }

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Append writes one entry and syncs it to disk before returning.
func (j *FileJournal) Append(eventType domain.EventType, data map[string]any) (*domain.JournalEntry, error) {
	canonical, normalized, err := canonicalData(data)
	if err != nil {
		return nil, fmt.Errorf("journal %s: %w", eventType, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := domain.JournalEntry{
		Sequence:  j.seq + 1,
		EventType: eventType,
		Data:      normalized,
		PrevHash:  j.lastHash,
		Timestamp: j.now().UTC().Format(time.RFC3339Nano),
	}
	entry.Hash = hashEntry(entry.Sequence, entry.EventType, canonical, entry.PrevHash, entry.Timestamp)

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("journal %s: encode: %w", eventType, err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return nil, fmt.Errorf("journal %s: write: %w", eventType, err)
	}
	if err := j.file.Sync(); err != nil {
		return nil, fmt.Errorf("journal %s: fsync: %w", eventType, err)
	}

	j.seq = entry.Sequence
	j.lastHash = entry.Hash
	return &entry, nil
}

// Entries reads every readable entry back from disk. Unreadable lines are
// skipped; Verify reports them.
func (j *FileJournal) Entries() ([]domain.JournalEntry, error) {
	entries, malformed, err := scanFile(j.path)
	if err != nil {
		return nil, err
	}
	if len(malformed) > 0 {
		j.logger.Warn("Skipped unreadable journal lines", zap.Ints("lines", malformed))
	}
	return entries, nil
}

// Verify checks the chain on disk. It does not hold the append lock.
func (j *FileJournal) Verify() (*Report, error) {
	return VerifyFile(j.path)
}

// canonicalData returns the sorted-key JSON of data and the value the
// entry will carry once read back, so hashing is stable across a round trip.
func canonicalData(data map[string]any) ([]byte, map[string]any, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, nil, err
	}
	normalized, err := decodeData(raw)
	if err != nil {
		return nil, nil, err
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return nil, nil, err
	}
	return canonical, normalized, nil
}

func decodeData(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func hashEntry(seq int64, eventType domain.EventType, canonical []byte, prevHash, timestamp string) string {
	content := fmt.Sprintf("%d|%s|%s|%s|%s", seq, eventType, canonical, prevHash, timestamp)
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ReadAll parses every entry in the file. Numbers in data are kept as
// json.Number.
func ReadAll(path string) ([]domain.JournalEntry, error) {
	entries, malformed, err := scanFile(path)
	if err != nil {
		return nil, err
	}
	if len(malformed) > 0 {
		return entries, fmt.Errorf("journal %s: malformed line %d", path, malformed[0])
	}
	return entries, nil
}

func scanFile(path string) ([]domain.JournalEntry, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return scan(f)
}

type rawEntry struct {
	Sequence  int64            `json:"sequence"`
	EventType domain.EventType `json:"event_type"`
	Data      json.RawMessage  `json:"data"`
	PrevHash  string           `json:"prev_hash"`
	Timestamp string           `json:"timestamp"`
	Hash      string           `json:"hash"`
}

func scan(r io.Reader) ([]domain.JournalEntry, []int, error) {
	var entries []domain.JournalEntry
	var malformed []int
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var raw rawEntry
		if err := json.Unmarshal(b, &raw); err != nil {
			malformed = append(malformed, line)
			continue
		}
		data, err := decodeData(raw.Data)
		if err != nil {
			malformed = append(malformed, line)
			continue
		}
		entries = append(entries, domain.JournalEntry{
			Sequence:  raw.Sequence,
			EventType: raw.EventType,
			Data:      data,
			PrevHash:  raw.PrevHash,
			Timestamp: raw.Timestamp,
			Hash:      raw.Hash,
		})
	}
	return entries, malformed, sc.Err()
}

type Issue struct {
	Sequence int64  `json:"sequence"`
	Line     int    `json:"line,omitempty"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// Report is the result of a chain verification.
type Report struct {
	Entries int     `json:"entries"`
	Valid   bool    `json:"valid"`
	Issues  []Issue `json:"issues"`
}

// VerifyFile recomputes every hash and link of the chain at path.
func VerifyFile(path string) (*Report, error) {
	entries, malformed, err := scanFile(path)
	if err != nil {
		return nil, err
	}
	report := Verify(entries)
	for _, line := range malformed {
		report.Issues = append(report.Issues, Issue{Line: line, Kind: IssueMalformed, Detail: "unparseable line"})
	}
	report.Valid = len(report.Issues) == 0
	return report, nil
}

// Verify checks a chain already in memory.
func Verify(entries []domain.JournalEntry) *Report {
	report := &Report{Entries: len(entries), Issues: []Issue{}}
	prev := GenesisHash
	var lastSeq int64
	for _, e := range entries {
		if e.Sequence != lastSeq+1 {
			report.Issues = append(report.Issues, Issue{
				Sequence: e.Sequence,
				Kind:     IssueSequenceGap,
				Detail:   fmt.Sprintf("expected %d", lastSeq+1),
			})
		}
		if e.PrevHash != prev {
			report.Issues = append(report.Issues, Issue{
				Sequence: e.Sequence,
				Kind:     IssuePrevHashMismatch,
				Detail:   fmt.Sprintf("expected %s, got %s", short(prev), short(e.PrevHash)),
			})
		}
		canonical, err := json.Marshal(e.Data)
		if err != nil {
			report.Issues = append(report.Issues, Issue{Sequence: e.Sequence, Kind: IssueMalformed, Detail: err.Error()})
		} else if want := hashEntry(e.Sequence, e.EventType, canonical, e.PrevHash, e.Timestamp); want != e.Hash {
			report.Issues = append(report.Issues, Issue{
				Sequence: e.Sequence,
				Kind:     IssueHashMismatch,
				Detail:   fmt.Sprintf("computed %s, recorded %s", short(want), short(e.Hash)),
			})
		}
		prev = e.Hash
		lastSeq = e.Sequence
	}
	report.Valid = len(report.Issues) == 0
	return report
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
