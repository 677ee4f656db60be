// Package mcp exposes the APK extractor over the Model Context Protocol,
// so MCP clients can connect a device, run the extraction script and pull the result.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"ApkExtractor/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Type aliases from shared types package
type (
	ConnectionSnapshot = types.ConnectionSnapshot
	TransportMode      = types.TransportMode
	DeviceScan         = types.DeviceScan
	BootstrapResult    = types.BootstrapResult
	PackageEntry       = types.PackageEntry
	ScriptResult       = types.ScriptResult
	DownloadResult     = types.DownloadResult
)

// EventRecord is a journaled status event as served to MCP clients.
type EventRecord struct {
	Timestamp int64           `json:"timestamp"` // Unix ms
	Kind      string          `json:"kind"`
	Level     string          `json:"level"`
	Category  string          `json:"category"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Message   string          `json:"message"`
	ErrorKind string          `json:"errorKind,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ExtractorApp is what the MCP server needs from the orchestrator.
type ExtractorApp interface {
	GetAppVersion() string

	// Connection
	Status() ConnectionSnapshot
	ScanDevices(ctx context.Context) (DeviceScan, error)
	Connect(ctx context.Context, mode TransportMode) (ConnectionSnapshot, error)
	Disconnect(ctx context.Context) (ConnectionSnapshot, error)
	EnableWireless(ctx context.Context, address string) (BootstrapResult, error)
	// WaitForAuthorization polls a Connecting attempt for at most timeout.
	// Running out of time is not an error; the snapshot is still Connecting.
	WaitForAuthorization(ctx context.Context, timeout time.Duration) (ConnectionSnapshot, error)

	// Operations
	ListPackages(ctx context.Context) ([]PackageEntry, error)
	Packages(query string) []PackageEntry
	PushAndRun(ctx context.Context, local, remote, target string) (ScriptResult, error)
	RunScript(ctx context.Context, remote, target string) (ScriptResult, error)
	Download(ctx context.Context, remote, local string) (DownloadResult, error)
	Cancel() int

	// Journal
	RecentEvents(limit int) ([]EventRecord, error)
}

// MCPServer wraps the MCP server
type MCPServer struct {
	app       ExtractorApp
	server    *server.MCPServer
	stdio     *server.StdioServer
	mu        sync.Mutex
	isRunning bool
}

// NewMCPServer creates a new MCP server instance
func NewMCPServer(app ExtractorApp) *MCPServer {
	mcpServer := server.NewMCPServer(
		"apkx",
		app.GetAppVersion(),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithLogging(),
	)

	s := &MCPServer{
		app:    app,
		server: mcpServer,
	}

	s.registerTools()
	s.registerResources()

	return s
}

func (s *MCPServer) registerTools() {
	// Connection Tools
	s.registerDeviceTools()

	// Script, package and download Tools
	s.registerAppTools()
}

// registerResources registers all MCP resources
func (s *MCPServer) registerResources() {
	s.server.AddResource(
		mcp.NewResource(
			"apkx://status",
			"Connection status, extracted artifact and pending operations",
			mcp.WithMIMEType("application/json"),
		),
		s.handleStatusResource,
	)

	s.server.AddResource(
		mcp.NewResource(
			"apkx://events",
			"Recent journaled status events",
			mcp.WithMIMEType("application/json"),
		),
		s.handleEventsResource,
	)
}

// Start starts the MCP server and blocks until stdin closes or an interrupt arrives.
func (s *MCPServer) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	return s.run()
}

func (s *MCPServer) run() error {
	s.stdio = server.NewStdioServer(s.server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintln(os.Stderr, "[MCP] apkx MCP server started")
	err := s.stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "[MCP] Server error: %v\n", err)
	}

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop marks the server stopped; the stdio loop ends with stdin.
func (s *MCPServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isRunning = false
}

// IsRunning returns whether the MCP server is running
func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// textResult builds a tool result with a summary line and the value as JSON.
func textResult(summary string, v interface{}) *mcp.CallToolResult {
	content := []mcp.Content{mcp.NewTextContent(summary)}
	if v != nil {
		if jsonData, err := json.MarshalIndent(v, "", "  "); err == nil {
			content = append(content, mcp.NewTextContent(fmt.Sprintf("\nJSON data:\n```json\n%s\n```", string(jsonData))))
		}
	}
	return &mcp.CallToolResult{Content: content}
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}
