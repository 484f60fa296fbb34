// Package decisionlog implements the routing-decision log: a tamper-evident,
// append-only record of RoutingDecisions, cooldown/blacklist transitions
// passed to LogCooldownTransition, and gateway lifecycle events. Grounded on the teacher's audit package (a
// hash-chained JSONL log with a SQLite query index), generalized here from
// "tool call evaluation" records to "routing decision" records — the
// storage, chaining, and query machinery are unchanged.
package decisionlog

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is a single decision log record: a routing decision, a cooldown/
// blacklist transition, or a gateway lifecycle event.
//
// The hash chain links entries: each entry's PrevHash is the previous
// entry's Hash and is covered by its own Hash, making the log tamper-evident.
type Entry struct {
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"ts"`
	RouteName string `json:"routeName"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Type      string `json:"type"` // "routingDecision", "cooldown", "lifecycle"
	KeyRef    string `json:"keyRef,omitempty"`
	Arguments any    `json:"arguments,omitempty"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	LatencyUs int64  `json:"latency_us,omitempty"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
}

// QueryParams defines filters for querying the decision log.
// All fields are optional — empty/zero values mean "no filter".
type QueryParams struct {
	RouteName string // Filter by route name (exact match).
	Outcome   string // Filter by outcome, e.g. "routed", "cooldown", "blacklisted".
	Since     string // ISO timestamp or duration string (e.g. "1h", "24h").
	Limit     int    // Maximum entries to return.
}

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAt       int    `json:"broken_at,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
}

// DecisionLog manages the hash-chained, append-only decision log.
//
// Storage layout:
//
//	<configDir>/decisions/
//	├── genesis.json        # First entry, establishes chain
//	├── 2026-02-10.jsonl    # Today's entries (append-only)
//	└── index.db            # SQLite index for fast queries
//
// Thread-safe — the HTTP boundary writes entries concurrently from
// multiple handler goroutines.
type DecisionLog struct {
	mu       sync.Mutex
	dir      string
	seq      uint64
	lastHash string
	index    *sqliteIndex
	file     *os.File
	fileDate string
}

// New opens or creates a decision log in the given directory.
// If the directory doesn't exist, it's created. If no genesis block
// exists, one is created to establish the hash chain.
func New(dir string) (*DecisionLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating decision log directory %s: %w", dir, err)
	}

	a := &DecisionLog{
		dir:      dir,
		lastHash: "sha256:genesis",
	}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening decision log index: %w", err)
	}
	a.index = idx

	if err := a.loadGenesis(); err != nil {
		idx.close()
		return nil, err
	}

	// Scan existing JSONL files to find the last sequence number and hash.
	// This ensures the chain continues correctly after a restart.
	if err := a.recoverState(); err != nil {
		idx.close()
		return nil, err
	}

	slog.Info("decision log initialized", "dir", dir, "seq", a.seq)
	return a, nil
}

// Close flushes and closes the decision log and SQLite index.
func (a *DecisionLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.index != nil {
		if err := a.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing decision log: %v", errs)
	}
	return nil
}

// LogRoutingDecision records one virtual router resolution: the route it
// was resolved from, the provider/model/key it picked, and the
// classification that drove it. Called by the HTTP boundary after each
// successful or failed route resolution.
func (a *DecisionLog) LogRoutingDecision(routeName, provider, model, keyRef string, classificationReasons any, outcome, reason, message string, latencyUs int64) {
	a.append(Entry{
		RouteName: routeName,
		Provider:  provider,
		Model:     model,
		Type:      "routingDecision",
		KeyRef:    keyRef,
		Arguments: classificationReasons,
		Outcome:   outcome,
		Reason:    reason,
		Message:   message,
		LatencyUs: latencyUs,
	})
}

// LogCooldownTransition records a credential pool state transition (a key
// entering cooldown or being blacklisted).
func (a *DecisionLog) LogCooldownTransition(keyRef, outcome, reason string) {
	a.append(Entry{
		Type:    "cooldown",
		KeyRef:  keyRef,
		Outcome: outcome,
		Reason:  reason,
	})
}

// LogLifecycle records a gateway lifecycle event (start, stop, config reload).
func (a *DecisionLog) LogLifecycle(event string, metadata map[string]any) {
	a.append(Entry{
		Type:      "lifecycle",
		KeyRef:    event,
		Outcome:   "info",
		Arguments: metadata,
	})
}

// Tail returns the N most recent decision log entries.
func (a *DecisionLog) Tail(limit int) ([]Entry, error) {
	if a.index != nil {
		return a.index.tail(limit)
	}
	return a.readAllEntries(limit)
}

// Follow watches for new entries in real-time, calling the callback for
// each new entry. Blocks until the context is cancelled. Used by the
// /admin/ws live feed.
func (a *DecisionLog) Follow(ctx context.Context, callback func(Entry)) error {
	lastSeq := a.seq
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, err := a.readEntriesAfter(lastSeq)
			if err != nil {
				slog.Error("follow: error reading entries", "error", err)
				continue
			}
			for _, e := range entries {
				callback(e)
				if e.Seq > lastSeq {
					lastSeq = e.Seq
				}
			}
		}
	}
}

// Query retrieves entries matching the given filter parameters.
// Uses the SQLite index for fast filtered queries.
func (a *DecisionLog) Query(params QueryParams) ([]Entry, error) {
	if params.Since != "" && !strings.Contains(params.Since, "T") {
		d, err := time.ParseDuration(params.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since duration %q: %w", params.Since, err)
		}
		params.Since = time.Now().UTC().Add(-d).Format(time.RFC3339Nano)
	}

	if a.index != nil {
		return a.index.query(params)
	}
	return a.readAllEntriesFiltered(params)
}

// VerifyChain reads all decision log entries and verifies the hash chain
// integrity, returning where the chain broke (if at all).
func (a *DecisionLog) VerifyChain() (VerifyResult, error) {
	entries, err := a.readAllEntries(0)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("reading entries for verification: %w", err)
	}

	if len(entries) == 0 {
		return VerifyResult{Valid: true, EntriesChecked: 0}, nil
	}

	for i, e := range entries {
		expected := computeHash(&e)
		if e.Hash != expected {
			return VerifyResult{
				Valid:          false,
				EntriesChecked: i + 1,
				BrokenAt:       i,
				ExpectedHash:   expected,
				ActualHash:     e.Hash,
			}, nil
		}

		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return VerifyResult{
				Valid:          false,
				EntriesChecked: i + 1,
				BrokenAt:       i,
				ExpectedHash:   entries[i-1].Hash,
				ActualHash:     e.PrevHash,
			}, nil
		}
	}

	return VerifyResult{Valid: true, EntriesChecked: len(entries)}, nil
}

// Export writes all decision log entries to the given writer in the
// specified format. Supported formats: "jsonl" (default), "json", "csv".
func (a *DecisionLog) Export(w io.Writer, format string) error {
	entries, err := a.readAllEntries(0)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{"seq", "ts", "routeName", "provider", "model", "type", "keyRef", "outcome", "reason", "latency_us", "hash"}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				fmt.Sprintf("%d", e.Seq),
				e.Timestamp,
				e.RouteName,
				e.Provider,
				e.Model,
				e.Type,
				e.KeyRef,
				e.Outcome,
				e.Reason,
				fmt.Sprintf("%d", e.LatencyUs),
				e.Hash,
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

// append adds an entry to the decision log. Thread-safe. Computes the hash
// chain, writes to the daily JSONL file, and updates the SQLite index.
func (a *DecisionLog) append(e Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	e.Seq = a.seq
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	e.PrevHash = a.lastHash
	e.Hash = computeHash(&e)

	if err := a.writeToFile(&e); err != nil {
		slog.Error("decision log write failed", "seq", e.Seq, "error", err)
		return
	}

	if a.index != nil {
		a.index.insert(&e)
	}

	a.lastHash = e.Hash
}

// writeToFile appends the entry as a single JSON line to today's JSONL file.
// Opens a new file if the date has changed.
func (a *DecisionLog) writeToFile(e *Entry) error {
	today := time.Now().UTC().Format("2006-01-02")

	if a.file == nil || a.fileDate != today {
		if a.file != nil {
			a.file.Close()
		}

		path := filepath.Join(a.dir, today+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening decision log file %s: %w", path, err)
		}
		a.file = f
		a.fileDate = today
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling decision log entry: %w", err)
	}

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing decision log entry: %w", err)
	}

	// Flush immediately — entries must survive crashes.
	return a.file.Sync()
}

// loadGenesis loads or creates the genesis block that establishes the chain.
func (a *DecisionLog) loadGenesis() error {
	genesisPath := filepath.Join(a.dir, "genesis.json")

	data, err := os.ReadFile(genesisPath)
	if err != nil {
		if os.IsNotExist(err) {
			return a.createGenesis(genesisPath)
		}
		return fmt.Errorf("reading genesis: %w", err)
	}

	var genesis Entry
	if err := json.Unmarshal(data, &genesis); err != nil {
		return fmt.Errorf("parsing genesis: %w", err)
	}

	a.lastHash = genesis.Hash
	a.seq = genesis.Seq
	return nil
}

// createGenesis writes the genesis block that starts the hash chain.
func (a *DecisionLog) createGenesis(path string) error {
	genesis := Entry{
		Seq:       0,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "lifecycle",
		KeyRef:    "genesis",
		Outcome:   "info",
		PrevHash:  "sha256:genesis",
	}
	genesis.Hash = computeHash(&genesis)

	data, err := json.MarshalIndent(genesis, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing genesis: %w", err)
	}

	a.lastHash = genesis.Hash
	a.seq = 0

	slog.Info("decision log genesis created", "hash", genesis.Hash)
	return nil
}

// recoverState scans existing JSONL files to find the last seq and hash.
// This ensures the chain continues correctly after a restart.
func (a *DecisionLog) recoverState() error {
	files, err := filepath.Glob(filepath.Join(a.dir, "*.jsonl"))
	if err != nil {
		return fmt.Errorf("listing decision log files: %w", err)
	}

	if len(files) == 0 {
		return nil
	}

	lastFile := files[len(files)-1]
	lastEntry, err := readLastEntry(lastFile)
	if err != nil {
		return fmt.Errorf("recovering decision log state from %s: %w", lastFile, err)
	}

	if lastEntry != nil {
		a.seq = lastEntry.Seq
		a.lastHash = lastEntry.Hash

		if a.index != nil {
			a.reindex(files)
		}
	}

	return nil
}

// reindex scans JSONL files and inserts any entries missing from the
// SQLite index. Called on startup to recover from incomplete indexing.
func (a *DecisionLog) reindex(files []string) {
	indexLastSeq := a.index.lastSeq()

	for _, file := range files {
		entries, err := readEntriesFromFile(file)
		if err != nil {
			slog.Error("reindex: error reading file", "file", file, "error", err)
			continue
		}
		for _, e := range entries {
			if e.Seq > indexLastSeq {
				a.index.insert(&e)
			}
		}
	}
}

// readLastEntry reads the last non-empty line from a JSONL file and parses
// it as an Entry. Returns nil if the file is empty.
func readLastEntry(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if lastLine == "" {
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(lastLine), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// readEntriesFromFile reads all entries from a single JSONL file.
func readEntriesFromFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("skipping malformed decision log entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// readAllEntries reads entries from all JSONL files. If limit > 0, returns
// only the last N entries. If limit == 0, returns all entries.
func (a *DecisionLog) readAllEntries(limit int) ([]Entry, error) {
	files, err := filepath.Glob(filepath.Join(a.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing decision log files: %w", err)
	}

	var all []Entry
	for _, file := range files {
		entries, err := readEntriesFromFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// readAllEntriesFiltered reads all entries and applies filters in memory.
// Used as a fallback when the SQLite index is unavailable.
func (a *DecisionLog) readAllEntriesFiltered(params QueryParams) ([]Entry, error) {
	entries, err := a.readAllEntries(0)
	if err != nil {
		return nil, err
	}

	var filtered []Entry
	for _, e := range entries {
		if params.RouteName != "" && e.RouteName != params.RouteName {
			continue
		}
		if params.Outcome != "" && e.Outcome != params.Outcome {
			continue
		}
		if params.Since != "" && e.Timestamp < params.Since {
			continue
		}
		filtered = append(filtered, e)
	}

	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[len(filtered)-params.Limit:]
	}
	return filtered, nil
}

// readEntriesAfter reads entries with seq > afterSeq from today's JSONL file.
// Used by Follow() for efficient polling.
func (a *DecisionLog) readEntriesAfter(afterSeq uint64) ([]Entry, error) {
	today := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(a.dir, today+".jsonl")

	entries, err := readEntriesFromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var result []Entry
	for _, e := range entries {
		if e.Seq > afterSeq {
			result = append(result, e)
		}
	}
	return result, nil
}
