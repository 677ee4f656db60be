package mcp

import (
	"context"
	"strings"
	"testing"
	"time"

	"ApkExtractor/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
)

// Helper to create a CallToolRequest with arguments
func makeToolRequest(args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

// Helper to get text content from result
func getTextContent(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// ==================== connection_status ====================

func TestHandleConnectionStatus(t *testing.T) {
	mock := NewMockExtractorApp().SetupConnected("emulator-5554")
	mock.StatusResult.Artifact = "/data/local/tmp/out/base.apk"
	mock.StatusResult.Pending = []string{"pull"}
	server := NewMCPServer(mock)

	result, err := server.handleConnectionStatus(context.Background(), makeToolRequest(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	text := getTextContent(result)
	for _, want := range []string{"connected", "emulator-5554", "base.apk", "pull"} {
		if !strings.Contains(text, want) {
			t.Errorf("Status should contain %q, got: %s", want, text)
		}
	}
}

// ==================== device_scan ====================

func TestHandleDeviceScan(t *testing.T) {
	mock := NewMockExtractorApp()
	mock.ScanDevicesResult = types.DeviceScan{
		DeviceID: "192.168.1.20:5555",
		Wireless: true,
		Lines: []types.DeviceLine{
			{ID: "R58M123", Status: types.DeviceReady},
			{ID: "192.168.1.20:5555", Status: types.DeviceReady, Wireless: true},
		},
	}
	server := NewMCPServer(mock)

	result, err := server.handleDeviceScan(context.Background(), makeToolRequest(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	text := getTextContent(result)
	if !strings.Contains(text, "2 device") {
		t.Errorf("Result should mention 2 devices, got: %s", text)
	}
	if !strings.Contains(text, "192.168.1.20:5555 (wireless)") {
		t.Errorf("Wireless device should be marked, got: %s", text)
	}
}

func TestHandleDeviceScan_NoDevices(t *testing.T) {
	server := NewMCPServer(NewMockExtractorApp())

	result, err := server.handleDeviceScan(context.Background(), makeToolRequest(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(strings.ToLower(getTextContent(result)), "no device") {
		t.Errorf("Result should indicate no devices, got: %s", getTextContent(result))
	}
}

// ==================== device_connect ====================

func TestHandleDeviceConnect(t *testing.T) {
	tests := []struct {
		name     string
		args     map[string]interface{}
		wantMode types.TransportMode
	}{
		{"usb without address", nil, types.USB()},
		{"wireless with address", map[string]interface{}{"address": " 192.168.1.20:5555 "}, types.Wireless("192.168.1.20:5555")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockExtractorApp()
			mock.ConnectResult = types.ConnectionSnapshot{State: types.StateConnected, DeviceID: "dev"}
			server := NewMCPServer(mock)

			result, err := server.handleDeviceConnect(context.Background(), makeToolRequest(tt.args))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			call := mock.GetLastCallByMethod("Connect")
			if call == nil {
				t.Fatal("Connect should have been called")
			}
			if got := call.Args[0].(types.TransportMode); got != tt.wantMode {
				t.Errorf("mode = %+v, want %+v", got, tt.wantMode)
			}
			if !strings.Contains(getTextContent(result), "connected") {
				t.Errorf("Result should report the state, got: %s", getTextContent(result))
			}
		})
	}
}

func TestHandleDeviceConnect_Error(t *testing.T) {
	mock := NewMockExtractorApp()
	mock.ConnectError = types.ErrIllegalState
	server := NewMCPServer(mock)

	_, err := server.handleDeviceConnect(context.Background(), makeToolRequest(nil))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "failed to connect") {
		t.Errorf("Error should be wrapped, got: %v", err)
	}
}

// ==================== device_wait_authorization ====================

func TestHandleDeviceWaitAuthorization(t *testing.T) {
	tests := []struct {
		name        string
		args        map[string]interface{}
		result      types.ConnectionSnapshot
		wantTimeout time.Duration
		wantText    []string
	}{
		{
			name:        "authorized with default timeout",
			result:      types.ConnectionSnapshot{State: types.StateConnected, DeviceID: "R58M123", Mode: types.USB()},
			wantTimeout: 30 * time.Second,
			wantText:    []string{"connected", "R58M123"},
		},
		{
			name: "still waiting",
			args: map[string]interface{}{"timeout_seconds": float64(5)},
			result: types.ConnectionSnapshot{
				State:   types.StateConnecting,
				Waiting: []types.DeviceLine{{ID: "R58M123", Status: types.DeviceUnauthorized}},
			},
			wantTimeout: 5 * time.Second,
			wantText:    []string{"Still not authorized after 5s", "R58M123 is unauthorized"},
		},
		{
			name:        "timeout is capped",
			args:        map[string]interface{}{"timeout_seconds": float64(3600)},
			result:      types.ConnectionSnapshot{State: types.StateConnected, DeviceID: "R58M123"},
			wantTimeout: 5 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockExtractorApp()
			mock.WaitResult = tt.result
			server := NewMCPServer(mock)

			result, err := server.handleDeviceWaitAuthorization(context.Background(), makeToolRequest(tt.args))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			call := mock.GetLastCallByMethod("WaitForAuthorization")
			if call == nil || call.Args[0] != tt.wantTimeout {
				t.Errorf("WaitForAuthorization call = %+v, want timeout %s", call, tt.wantTimeout)
			}
			text := getTextContent(result)
			for _, want := range tt.wantText {
				if !strings.Contains(text, want) {
					t.Errorf("Result should contain %q, got: %s", want, text)
				}
			}
		})
	}
}

func TestHandleDeviceWaitAuthorization_Error(t *testing.T) {
	mock := NewMockExtractorApp()
	mock.WaitError = types.NewError(types.KindGeneric, "devices", "no authorized device found")
	server := NewMCPServer(mock)

	_, err := server.handleDeviceWaitAuthorization(context.Background(), makeToolRequest(nil))
	if err == nil || !strings.Contains(err.Error(), "failed waiting for authorization") {
		t.Errorf("Expected wrapped error, got: %v", err)
	}
}

// ==================== device_disconnect ====================

func TestHandleDeviceDisconnect(t *testing.T) {
	mock := NewMockExtractorApp()
	mock.DisconnectResult = types.ConnectionSnapshot{State: types.StateDisconnected}
	server := NewMCPServer(mock)

	result, err := server.handleDeviceDisconnect(context.Background(), makeToolRequest(nil))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(getTextContent(result), "disconnected") {
		t.Errorf("Result should report disconnected, got: %s", getTextContent(result))
	}
}

// ==================== device_enable_wireless ====================

func TestHandleDeviceEnableWireless(t *testing.T) {
	mock := NewMockExtractorApp()
	mock.EnableWirelessResult = types.BootstrapResult{Serial: "R58M123", Port: 5555}
	server := NewMCPServer(mock)

	result, err := server.handleDeviceEnableWireless(context.Background(), makeToolRequest(map[string]interface{}{
		"address": "192.168.1.20",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if call := mock.GetLastCallByMethod("EnableWireless"); call == nil || call.Args[0] != "192.168.1.20" {
		t.Errorf("EnableWireless not called with the address: %+v", call)
	}
	text := getTextContent(result)
	if !strings.Contains(text, "R58M123") || !strings.Contains(text, "Unplug USB") {
		t.Errorf("Result should name the serial and the next step, got: %s", text)
	}
}

func TestHandleDeviceEnableWireless_MissingAddress(t *testing.T) {
	mock := NewMockExtractorApp()
	server := NewMCPServer(mock)

	_, err := server.handleDeviceEnableWireless(context.Background(), makeToolRequest(nil))
	if err == nil {
		t.Fatal("Expected error for missing address")
	}
	if mock.WasMethodCalled("EnableWireless") {
		t.Error("EnableWireless should not be called without an address")
	}
}
