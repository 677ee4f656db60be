package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		kind    ErrorKind
		command bool
		fatal   bool
	}{
		{KindToolNotFound, false, true},
		{KindLaunchFailure, false, true},
		{KindPermissionDenied, true, false},
		{KindPathNotFound, true, false},
		{KindUnauthorized, true, false},
		{KindGeneric, true, false},
		{KindParseFailure, false, false},
		{KindArchiveCorrupt, false, false},
		{KindArchiveIncomplete, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.CommandFailure(); got != tt.command {
				t.Errorf("CommandFailure() = %v, want %v", got, tt.command)
			}
			if got := tt.kind.Fatal(); got != tt.fatal {
				t.Errorf("Fatal() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestErrorMatching(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("download failed: %w", &Error{Kind: KindPathNotFound, Op: "pull", ExitCode: 1, Err: cause})

	if !errors.Is(err, &Error{Kind: KindPathNotFound}) {
		t.Error("errors.Is should match by kind")
	}
	if !errors.Is(err, &Error{Kind: KindPathNotFound, Op: "pull"}) {
		t.Error("errors.Is should match by kind and op")
	}
	if errors.Is(err, &Error{Kind: KindPathNotFound, Op: "push"}) {
		t.Error("errors.Is should not match a different op")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the wrapped cause")
	}
	if KindOf(err) != KindPathNotFound {
		t.Errorf("KindOf() = %q", KindOf(err))
	}
	if KindOf(cause) != "" {
		t.Errorf("KindOf(plain) = %q, want empty", KindOf(cause))
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindPermissionDenied, Op: "push", Message: "check remote path permissions", ExitCode: 1}
	msg := err.Error()
	for _, want := range []string{"push", "permission_denied", "check remote path permissions", "exit code 1"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestPackageEntryDisplayName(t *testing.T) {
	e := NewPackageEntry("com.example", "/data/app/x/base.apk")
	if e.DisplayName != "base.apk" {
		t.Errorf("DisplayName = %q, want base.apk", e.DisplayName)
	}
	if e.RemotePath != "/data/app/x/base.apk" {
		t.Errorf("RemotePath = %q", e.RemotePath)
	}
}
