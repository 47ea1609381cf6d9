package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshots are timestamped lockfile copies under
// <workspace>/state/locks/<packet>/<timestamp>.json used for time-travel.

// snapshotTimeLayout is a filename-safe UTC timestamp.
const snapshotTimeLayout = "20060102T150405Z"

// SnapshotDir returns the snapshot directory for a packet.
func SnapshotDir(workspaceRoot, packetName string) string {
	return filepath.Join(workspaceRoot, "state", "locks", packetName)
}

// WriteSnapshot stores a timestamped copy of the lock for time-travel.
// Returns the snapshot path.
func WriteSnapshot(workspaceRoot, packetName string, l *Lock, at time.Time) (string, error) {
	dir := SnapshotDir(workspaceRoot, packetName)
	path := filepath.Join(dir, at.UTC().Format(snapshotTimeLayout)+".json")
	if err := l.Write(path); err != nil {
		return "", err
	}
	return path, nil
}

// ResolveSnapshot finds the newest snapshot at or before asOf.
// Returns the parsed lock and the snapshot path.
func ResolveSnapshot(workspaceRoot, packetName string, asOf time.Time) (*Lock, string, error) {
	dir := SnapshotDir(workspaceRoot, packetName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("no lock snapshots for %s: %w", packetName, err)
	}

	type candidate struct {
		path string
		at   time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		at, err := time.Parse(snapshotTimeLayout, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if !at.After(asOf) {
			candidates = append(candidates, candidate{path: filepath.Join(dir, name), at: at})
		}
	}
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("no lock snapshot for %s at or before %s", packetName, asOf.UTC().Format(time.RFC3339))
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.After(candidates[j].at) })
	best := candidates[0]

	l, err := Load(best.path)
	if err != nil {
		return nil, "", err
	}
	return l, best.path, nil
}
