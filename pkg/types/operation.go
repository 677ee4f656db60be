package types

import (
	"path"
	"time"
)

// Slot identifies a logical operation lane. At most one command per slot is in flight.
type Slot string

const (
	SlotConnect    Slot = "connect"
	SlotDisconnect Slot = "disconnect"
	SlotPush       Slot = "push"
	SlotExecute    Slot = "execute"
	SlotList       Slot = "list"
	SlotSizeCheck  Slot = "size-check"
	SlotPull       Slot = "pull"
)

// AllSlots lists every slot in a fixed order.
var AllSlots = []Slot{SlotConnect, SlotDisconnect, SlotPush, SlotExecute, SlotList, SlotSizeCheck, SlotPull}

// CommandResult is produced by the process runner for every invocation.
type CommandResult struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Success reports a zero exit code.
func (r CommandResult) Success() bool {
	return r.ExitCode == 0
}

// PackageEntry is one installed package as listed by `pm list packages -f`.
type PackageEntry struct {
	DisplayName string `json:"displayName"`
	RemotePath  string `json:"remotePath"`
	Package     string `json:"package"`
}

// NewPackageEntry builds an entry whose display name is the base name of remotePath.
func NewPackageEntry(pkg, remotePath string) PackageEntry {
	return PackageEntry{
		DisplayName: path.Base(remotePath),
		RemotePath:  remotePath,
		Package:     pkg,
	}
}

// TransferState describes the pull currently in flight.
type TransferState struct {
	ExpectedTotalBytes   int64  `json:"expectedTotalBytes"`
	LocalDestinationPath string `json:"localDestinationPath"`
}

// BundleManifest holds metadata read from an XAPK/APKM manifest, when present.
type BundleManifest struct {
	PackageName string   `json:"packageName,omitempty"`
	VersionName string   `json:"versionName,omitempty"`
	Splits      []string `json:"splits,omitempty"`
}

// ExtractionOutcome is produced once per processed bundle.
type ExtractionOutcome struct {
	PrimaryPackagePath string          `json:"primaryPackagePath,omitempty"`
	Warnings           []string        `json:"warnings,omitempty"`
	Entries            []string        `json:"entries,omitempty"`
	Manifest           *BundleManifest `json:"manifest,omitempty"`
}

// Complete reports whether the primary package was extracted.
func (o ExtractionOutcome) Complete() bool {
	return o.PrimaryPackagePath != ""
}

// ScriptResult is the outcome of running the extraction script on the device.
type ScriptResult struct {
	// Ready is false when the script succeeded but printed no extraction marker.
	Ready        bool          `json:"ready"`
	ArtifactPath string        `json:"artifactPath,omitempty"`
	Stdout       string        `json:"stdout"`
	Elapsed      time.Duration `json:"elapsed"`
}

// DownloadResult is the outcome of a size-check + pull chain.
type DownloadResult struct {
	RemotePath string             `json:"remotePath"`
	LocalPath  string             `json:"localPath"`
	Bytes      int64              `json:"bytes"`
	Elapsed    time.Duration      `json:"elapsed"`
	Outcome    *ExtractionOutcome `json:"outcome,omitempty"`
}
