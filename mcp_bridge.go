package main

import (
	"context"
	"time"

	"ApkExtractor/mcp"
	"ApkExtractor/pkg/types"
)

// MCPBridge bridges the main App to the MCP server
type MCPBridge struct {
	app     *App
	journal *EventStore // optional
}

// NewMCPBridge creates a new MCP bridge
func NewMCPBridge(app *App, journal *EventStore) *MCPBridge {
	return &MCPBridge{app: app, journal: journal}
}

// Implement mcp.ExtractorApp interface

func (b *MCPBridge) GetAppVersion() string {
	return AppVersion
}

func (b *MCPBridge) Status() types.ConnectionSnapshot {
	return b.app.Status()
}

func (b *MCPBridge) ScanDevices(ctx context.Context) (types.DeviceScan, error) {
	return b.app.ScanDevices(ctx)
}

func (b *MCPBridge) Connect(ctx context.Context, mode types.TransportMode) (types.ConnectionSnapshot, error) {
	return b.app.Connect(ctx, mode)
}

func (b *MCPBridge) Disconnect(ctx context.Context) (types.ConnectionSnapshot, error) {
	return b.app.Disconnect(ctx)
}

func (b *MCPBridge) EnableWireless(ctx context.Context, address string) (types.BootstrapResult, error) {
	return b.app.EnableWireless(ctx, address)
}

// authorizationPollInterval matches the CLI poll-interval default.
const authorizationPollInterval = 2 * time.Second

func (b *MCPBridge) WaitForAuthorization(ctx context.Context, timeout time.Duration) (types.ConnectionSnapshot, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	snap, err := b.app.WaitForAuthorization(waitCtx, authorizationPollInterval)
	if err != nil && ctx.Err() == nil {
		// out of time, the attempt itself is still alive
		if now := b.app.Status(); now.State == types.StateConnecting {
			return now, nil
		}
	}
	return snap, err
}

func (b *MCPBridge) ListPackages(ctx context.Context) ([]types.PackageEntry, error) {
	return b.app.ListPackages(ctx)
}

func (b *MCPBridge) Packages(query string) []types.PackageEntry {
	return b.app.Packages(query)
}

func (b *MCPBridge) PushAndRun(ctx context.Context, local, remote, target string) (types.ScriptResult, error) {
	return b.app.PushAndRun(ctx, local, remote, target)
}

func (b *MCPBridge) RunScript(ctx context.Context, remote, target string) (types.ScriptResult, error) {
	return b.app.RunScript(ctx, remote, target)
}

func (b *MCPBridge) Download(ctx context.Context, remote, local string) (types.DownloadResult, error) {
	return b.app.Download(ctx, remote, local)
}

func (b *MCPBridge) Cancel() int {
	return b.app.Cancel()
}

// RecentEvents reads the newest journaled events of the current run.
func (b *MCPBridge) RecentEvents(limit int) ([]mcp.EventRecord, error) {
	if b.journal == nil {
		return nil, nil
	}
	b.journal.Flush()
	events, err := b.journal.QueryEvents(EventQuery{
		SessionID: b.journal.CurrentSession(),
		Limit:     limit,
		Latest:    true,
	})
	if err != nil {
		return nil, err
	}
	result := make([]mcp.EventRecord, len(events))
	for i, e := range events {
		result[i] = mcp.EventRecord{
			Timestamp: e.Timestamp,
			Kind:      string(e.Kind),
			Level:     string(e.Level),
			Category:  e.Category,
			DeviceID:  e.DeviceID,
			Message:   e.Message,
			ErrorKind: e.ErrorKind,
			Data:      e.Data,
		}
	}
	return result, nil
}

// StartMCPServer serves the app over stdio until stdin closes.
func StartMCPServer(app *App, journal *EventStore) error {
	bridge := NewMCPBridge(app, journal)
	mcpServer := mcp.NewMCPServer(bridge)
	if err := mcpServer.Start(); err != nil {
		LogError("mcp").Err(err).Msg("MCP server stopped with error")
		return err
	}
	return nil
}
