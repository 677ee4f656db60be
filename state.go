package main

import (
	"strings"

	"ApkExtractor/pkg/types"
)

// orchestratorState is everything the orchestrator mutates. Loop-owned.
type orchestratorState struct {
	conn     types.ConnectionState
	deviceID string
	mode     types.TransportMode
	waiting  []types.DeviceLine

	packages []types.PackageEntry
	artifact string // remote path of the last extracted apk
	transfer *types.TransferState
}

func newOrchestratorState() *orchestratorState {
	return &orchestratorState{conn: types.StateDisconnected, mode: types.USB()}
}

// resetOnConnect runs when an authorized device is found.
func (s *orchestratorState) resetOnConnect(deviceID string) {
	s.conn = types.StateConnected
	s.deviceID = deviceID
	s.waiting = nil
	s.packages = nil
	s.artifact = ""
	s.transfer = nil
}

// resetOnDisconnect runs on explicit disconnect and on every connection failure.
func (s *orchestratorState) resetOnDisconnect() {
	s.conn = types.StateDisconnected
	s.deviceID = ""
	s.waiting = nil
	s.packages = nil
	s.artifact = ""
	s.transfer = nil
}

// clearArtifact runs when any step of an operation chain fails.
func (s *orchestratorState) clearArtifact() {
	s.artifact = ""
}

func (s *orchestratorState) snapshot(pending []string) types.ConnectionSnapshot {
	return types.ConnectionSnapshot{
		State:    s.conn,
		DeviceID: s.deviceID,
		Mode:     s.mode,
		Waiting:  append([]types.DeviceLine(nil), s.waiting...),
		Packages: len(s.packages),
		Artifact: s.artifact,
		Pending:  pending,
	}
}

// FilterPackages returns the entries whose display name or remote path
// contains query, case-insensitively. An empty query returns everything.
func FilterPackages(entries []types.PackageEntry, query string) []types.PackageEntry {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]types.PackageEntry, 0, len(entries))
	for _, e := range entries {
		if q == "" ||
			strings.Contains(strings.ToLower(e.DisplayName), q) ||
			strings.Contains(strings.ToLower(e.RemotePath), q) {
			out = append(out, e)
		}
	}
	return out
}
