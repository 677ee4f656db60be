package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func makeResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: uri},
	}
}

func resourceText(t *testing.T, contents []mcp.ResourceContents) string {
	t.Helper()
	if len(contents) != 1 {
		t.Fatalf("Expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("Expected TextResourceContents, got %T", contents[0])
	}
	if tc.MIMEType != "application/json" {
		t.Errorf("MIMEType = %q", tc.MIMEType)
	}
	return tc.Text
}

func TestHandleStatusResource(t *testing.T) {
	mock := NewMockExtractorApp().SetupConnected("emulator-5554")
	server := NewMCPServer(mock)

	contents, err := server.handleStatusResource(context.Background(), makeResourceRequest("apkx://status"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var snap ConnectionSnapshot
	if err := json.Unmarshal([]byte(resourceText(t, contents)), &snap); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if snap.DeviceID != "emulator-5554" {
		t.Errorf("DeviceID = %q", snap.DeviceID)
	}
}

func TestHandleEventsResource(t *testing.T) {
	mock := NewMockExtractorApp()
	mock.RecentEventsResult = []EventRecord{
		{Timestamp: 1, Kind: "log", Level: "error", Category: "push", Message: "Permission denied", ErrorKind: "permission_denied"},
	}
	server := NewMCPServer(mock)

	contents, err := server.handleEventsResource(context.Background(), makeResourceRequest("apkx://events"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var events []EventRecord
	if err := json.Unmarshal([]byte(resourceText(t, contents)), &events); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(events) != 1 || events[0].ErrorKind != "permission_denied" {
		t.Errorf("events = %+v", events)
	}
	if call := mock.GetLastCallByMethod("RecentEvents"); call == nil || call.Args[0] != recentEventsLimit {
		t.Errorf("RecentEvents should be called with the limit, got %+v", call)
	}
}

func TestHandleEventsResource_EmptyIsArray(t *testing.T) {
	server := NewMCPServer(NewMockExtractorApp())

	contents, err := server.handleEventsResource(context.Background(), makeResourceRequest("apkx://events"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if text := resourceText(t, contents); text != "[]" {
		t.Errorf("Expected empty JSON array, got %s", text)
	}
}
