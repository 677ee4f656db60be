package mcp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"ApkExtractor/pkg/types"
)

// MockCall records a method call for verification
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockExtractorApp is a mock implementation of ExtractorApp for testing
type MockExtractorApp struct {
	mu    sync.Mutex
	Calls []MockCall

	AppVersion string

	// Connection
	StatusResult         ConnectionSnapshot
	ScanDevicesResult    DeviceScan
	ScanDevicesError     error
	ConnectResult        ConnectionSnapshot
	ConnectError         error
	DisconnectResult     ConnectionSnapshot
	DisconnectError      error
	EnableWirelessResult BootstrapResult
	EnableWirelessError  error
	WaitResult           ConnectionSnapshot
	WaitError            error

	// Operations
	PackageList       []PackageEntry
	ListPackagesError error
	PushAndRunResult  ScriptResult
	PushAndRunError   error
	RunScriptResult   ScriptResult
	RunScriptError    error
	DownloadResult    DownloadResult
	DownloadError     error
	CancelResult      int

	// Journal
	RecentEventsResult []EventRecord
	RecentEventsError  error
}

// ErrNotConnected is a canned error for testing
var ErrNotConnected = errors.New("no device connected")

// NewMockExtractorApp creates a new mock app with a disconnected status
func NewMockExtractorApp() *MockExtractorApp {
	return &MockExtractorApp{
		AppVersion:   "test",
		StatusResult: ConnectionSnapshot{State: types.StateDisconnected},
	}
}

func (m *MockExtractorApp) recordCall(method string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// GetCalls returns a copy of all recorded calls
func (m *MockExtractorApp) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.Calls...)
}

// WasMethodCalled checks if a method was called
func (m *MockExtractorApp) WasMethodCalled(method string) bool {
	return m.GetLastCallByMethod(method) != nil
}

// GetLastCallByMethod returns the last call of a specific method
func (m *MockExtractorApp) GetLastCallByMethod(method string) *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Calls) - 1; i >= 0; i-- {
		if m.Calls[i].Method == method {
			c := m.Calls[i]
			return &c
		}
	}
	return nil
}

// SetupConnected makes Status report a connected device with the given packages cached
func (m *MockExtractorApp) SetupConnected(deviceID string, pkgs ...PackageEntry) *MockExtractorApp {
	m.StatusResult = ConnectionSnapshot{
		State:    types.StateConnected,
		DeviceID: deviceID,
		Mode:     types.USB(),
		Packages: len(pkgs),
	}
	m.PackageList = pkgs
	return m
}

// SampleSplitDownload is a pulled .apks bundle whose base.apk was found
func SampleSplitDownload() DownloadResult {
	return DownloadResult{
		RemotePath: "/sdcard/out/app.apks",
		LocalPath:  "/tmp/app.apks",
		Bytes:      1048576,
		Outcome: &types.ExtractionOutcome{
			PrimaryPackagePath: "/tmp/app_extracted/base.apk",
			Entries:            []string{"base.apk", "split_config.arm64_v8a.apk"},
		},
	}
}

// ExtractorApp implementation

func (m *MockExtractorApp) GetAppVersion() string {
	m.recordCall("GetAppVersion")
	return m.AppVersion
}

func (m *MockExtractorApp) Status() ConnectionSnapshot {
	m.recordCall("Status")
	return m.StatusResult
}

func (m *MockExtractorApp) ScanDevices(ctx context.Context) (DeviceScan, error) {
	m.recordCall("ScanDevices")
	return m.ScanDevicesResult, m.ScanDevicesError
}

func (m *MockExtractorApp) Connect(ctx context.Context, mode TransportMode) (ConnectionSnapshot, error) {
	m.recordCall("Connect", mode)
	return m.ConnectResult, m.ConnectError
}

func (m *MockExtractorApp) Disconnect(ctx context.Context) (ConnectionSnapshot, error) {
	m.recordCall("Disconnect")
	return m.DisconnectResult, m.DisconnectError
}

func (m *MockExtractorApp) EnableWireless(ctx context.Context, address string) (BootstrapResult, error) {
	m.recordCall("EnableWireless", address)
	return m.EnableWirelessResult, m.EnableWirelessError
}

func (m *MockExtractorApp) WaitForAuthorization(ctx context.Context, timeout time.Duration) (ConnectionSnapshot, error) {
	m.recordCall("WaitForAuthorization", timeout)
	return m.WaitResult, m.WaitError
}

func (m *MockExtractorApp) ListPackages(ctx context.Context) ([]PackageEntry, error) {
	m.recordCall("ListPackages")
	if m.ListPackagesError != nil {
		return nil, m.ListPackagesError
	}
	return m.PackageList, nil
}

func (m *MockExtractorApp) Packages(query string) []PackageEntry {
	m.recordCall("Packages", query)
	q := strings.ToLower(query)
	var out []PackageEntry
	for _, p := range m.PackageList {
		if q == "" || strings.Contains(strings.ToLower(p.DisplayName), q) || strings.Contains(strings.ToLower(p.RemotePath), q) {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockExtractorApp) PushAndRun(ctx context.Context, local, remote, target string) (ScriptResult, error) {
	m.recordCall("PushAndRun", local, remote, target)
	return m.PushAndRunResult, m.PushAndRunError
}

func (m *MockExtractorApp) RunScript(ctx context.Context, remote, target string) (ScriptResult, error) {
	m.recordCall("RunScript", remote, target)
	return m.RunScriptResult, m.RunScriptError
}

func (m *MockExtractorApp) Download(ctx context.Context, remote, local string) (DownloadResult, error) {
	m.recordCall("Download", remote, local)
	return m.DownloadResult, m.DownloadError
}

func (m *MockExtractorApp) Cancel() int {
	m.recordCall("Cancel")
	return m.CancelResult
}

func (m *MockExtractorApp) RecentEvents(limit int) ([]EventRecord, error) {
	m.recordCall("RecentEvents", limit)
	return m.RecentEventsResult, m.RecentEventsError
}
