package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"tradecore/internal/account"
	"tradecore/internal/domain"
	"tradecore/pkg/quant"
)

// AssetState is one instrument's captured state.
type AssetState struct {
	Symbol      string             `json:"symbol"`
	HoldingSats quant.QtySats      `json:"holding_sats"`
	OpenOrders  int                `json:"open_orders"`
	Trades      int                `json:"trades"`
	Positions   []*domain.Position `json:"positions,omitempty"`
}

// Snapshot is a point-in-time capture of account and asset state,
// written at run end or on demand for inspection and recovery.
type Snapshot struct {
	RunID           int64        `json:"run_id"`
	TsUnix          int64        `json:"ts"`
	FreeMicros      int64        `json:"free_micros"`
	CommittedMicros int64        `json:"committed_micros"`
	Assets          []AssetState `json:"assets"`
}

// SnapshotManager saves and loads snapshots under one directory.
type SnapshotManager struct {
	dir string
}

// NewSnapshotManager creates a manager rooted at dir.
func NewSnapshotManager(dir string) *SnapshotManager {
	return &SnapshotManager{dir: dir}
}

// CaptureSnapshot builds a snapshot from live state.
func CaptureSnapshot(runID int64, acct *account.Account, assets []*domain.AssetInstance) *Snapshot {
	free, committed := acct.Balances()
	snap := &Snapshot{
		RunID:           runID,
		TsUnix:          time.Now().Unix(),
		FreeMicros:      free,
		CommittedMicros: committed,
	}
	for _, a := range assets {
		cur, _, _ := a.Holdings()
		snap.Assets = append(snap.Assets, AssetState{
			Symbol:      a.Instrument.Symbol,
			HoldingSats: cur,
			OpenOrders:  a.OpenOrderCount(),
			Trades:      a.TradeCount(),
			Positions:   a.OpenPositions(),
		})
	}
	return snap
}

// Save writes a snapshot to disk.
func (sm *SnapshotManager) Save(snap *Snapshot) error {
	if err := os.MkdirAll(sm.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	filename := fmt.Sprintf("state_%d_%d.json", snap.RunID, snap.TsUnix)
	path := filepath.Join(sm.dir, filename)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	slog.Info("snapshot saved", "run_id", snap.RunID, "path", path)
	return nil
}

// LoadLatest loads the snapshot with the highest run id. Returns nil
// if none exists.
func (sm *SnapshotManager) LoadLatest() (*Snapshot, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot dir: %w", err)
	}

	var latestPath string
	var latestRun int64 = -1
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var runID, ts int64
		if _, err := fmt.Sscanf(entry.Name(), "state_%d_%d.json", &runID, &ts); err != nil {
			continue
		}
		if runID > latestRun {
			latestRun = runID
			latestPath = filepath.Join(sm.dir, entry.Name())
		}
	}
	if latestPath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(latestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	slog.Info("snapshot loaded", "run_id", snap.RunID, "path", latestPath)
	return &snap, nil
}

// Cleanup removes old snapshots, keeping only the latest keepCount.
func (sm *SnapshotManager) Cleanup(keepCount int) error {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		return err
	}

	type snapFile struct {
		path  string
		runID int64
	}
	var files []snapFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var runID, ts int64
		if _, err := fmt.Sscanf(entry.Name(), "state_%d_%d.json", &runID, &ts); err == nil {
			files = append(files, snapFile{path: filepath.Join(sm.dir, entry.Name()), runID: runID})
		}
	}
	if len(files) <= keepCount {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].runID > files[j].runID })
	for i := keepCount; i < len(files); i++ {
		if err := os.Remove(files[i].path); err != nil {
			slog.Warn("failed to remove old snapshot", "path", files[i].path)
		}
	}
	return nil
}
