package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ApkExtractor/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerDeviceTools registers connection tools
func (s *MCPServer) registerDeviceTools() {
	// connection_status - Current connection snapshot
	s.server.AddTool(
		mcp.NewTool("connection_status",
			mcp.WithDescription("Show the connection state, connected device, extracted APK and pending operations"),
		),
		s.handleConnectionStatus,
	)

	// device_scan - One `adb devices` enumeration
	s.server.AddTool(
		mcp.NewTool("device_scan",
			mcp.WithDescription("List the devices adb can see without connecting to any of them"),
		),
		s.handleDeviceScan,
	)

	// device_connect - USB or wireless
	s.server.AddTool(
		mcp.NewTool("device_connect",
			mcp.WithDescription("Connect to a device. Without an address the USB device is used; with an address (IP[:port]) adb connects over the network"),
			mcp.WithString("address",
				mcp.Description("Device address for a wireless connection, e.g. 192.168.1.100:5555"),
			),
		),
		s.handleDeviceConnect,
	)

	// device_wait_authorization - finish a connect that is waiting on the RSA prompt
	s.server.AddTool(
		mcp.NewTool("device_wait_authorization",
			mcp.WithDescription("After device_connect reports a device as unauthorized or offline, poll `adb devices` until it is authorized. Accept the RSA fingerprint prompt on the device first"),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("How long to keep polling (default 30, max 300)"),
			),
		),
		s.handleDeviceWaitAuthorization,
	)

	// device_disconnect
	s.server.AddTool(
		mcp.NewTool("device_disconnect",
			mcp.WithDescription("Disconnect the current device and cancel its pending operations"),
		),
		s.handleDeviceDisconnect,
	)

	// device_enable_wireless - adb tcpip on the USB device
	s.server.AddTool(
		mcp.NewTool("device_enable_wireless",
			mcp.WithDescription("Switch the authorized USB device to TCP/IP debugging so it can be reached over wifi"),
			mcp.WithString("address",
				mcp.Required(),
				mcp.Description("Address the device will be reached at; its port (default 5555) is the tcpip port"),
			),
		),
		s.handleDeviceEnableWireless,
	)
}

// Tool handlers

func (s *MCPServer) handleConnectionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := s.app.Status()
	return textResult(describeSnapshot(snap), snap), nil
}

func (s *MCPServer) handleDeviceScan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scan, err := s.app.ScanDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}
	if len(scan.Lines) == 0 {
		return textResult("No devices found", nil), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d device(s):\n", len(scan.Lines))
	for i, l := range scan.Lines {
		transport := "usb"
		if l.Wireless {
			transport = "wireless"
		}
		fmt.Fprintf(&b, "%d. %s (%s) %s\n", i+1, l.ID, transport, l.Status)
	}
	return textResult(b.String(), scan), nil
}

func (s *MCPServer) handleDeviceConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(stringArg(request.GetArguments(), "address"))

	mode := types.USB()
	if address != "" {
		mode = types.Wireless(address)
	}

	snap, err := s.app.Connect(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return textResult(describeSnapshot(snap), snap), nil
}

const (
	defaultAuthorizationWait = 30 * time.Second
	maxAuthorizationWait     = 5 * time.Minute
)

func (s *MCPServer) handleDeviceWaitAuthorization(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	timeout := defaultAuthorizationWait
	if v, ok := request.GetArguments()["timeout_seconds"].(float64); ok && v > 0 {
		timeout = time.Duration(v * float64(time.Second))
	}
	if timeout > maxAuthorizationWait {
		timeout = maxAuthorizationWait
	}

	snap, err := s.app.WaitForAuthorization(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for authorization: %w", err)
	}
	summary := describeSnapshot(snap)
	if snap.State == types.StateConnecting {
		summary = fmt.Sprintf("Still not authorized after %s. Accept the RSA fingerprint prompt on the device and call device_wait_authorization again.\n", timeout) + summary
	}
	return textResult(summary, snap), nil
}

func (s *MCPServer) handleDeviceDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.app.Disconnect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to disconnect: %w", err)
	}
	return textResult(describeSnapshot(snap), nil), nil
}

func (s *MCPServer) handleDeviceEnableWireless(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(stringArg(request.GetArguments(), "address"))
	if address == "" {
		return nil, fmt.Errorf("address is required")
	}

	res, err := s.app.EnableWireless(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to enable wireless debugging: %w", err)
	}
	summary := fmt.Sprintf("Wireless debugging enabled on %s (port %d). Unplug USB and connect to %s.", res.Serial, res.Port, address)
	return textResult(summary, res), nil
}

func describeSnapshot(snap ConnectionSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", snap.State)
	if snap.DeviceID != "" {
		fmt.Fprintf(&b, "Device: %s (%s)\n", snap.DeviceID, snap.Mode)
	}
	for _, w := range snap.Waiting {
		fmt.Fprintf(&b, "Waiting: %s is %s\n", w.ID, w.Status)
	}
	if snap.Artifact != "" {
		fmt.Fprintf(&b, "Extracted APK: %s\n", snap.Artifact)
	}
	if len(snap.Pending) > 0 {
		fmt.Fprintf(&b, "Pending: %s\n", strings.Join(snap.Pending, ", "))
	}
	return b.String()
}
