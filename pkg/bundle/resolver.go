// Package bundle unpacks split-APK bundles (.apks, .xapk, .apkm) pulled from a device.
package bundle

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"ApkExtractor/pkg/types"
)

// PrimaryEntry is the canonical name of the installable base unit.
const PrimaryEntry = "base.apk"

// ExtractedSuffix is appended to the archive path to form the output directory.
const ExtractedSuffix = "_extracted"

var bundleExtensions = map[string]bool{
	".apks": true,
	".xapk": true,
	".apkm": true,
}

// IsBundle reports whether the file extension names a multi-part bundle.
func IsBundle(name string) bool {
	return bundleExtensions[strings.ToLower(filepath.Ext(name))]
}

// Resolve opens archivePath and extracts base.apk next to it.
//
// A file that cannot be read as a zip yields a KindArchiveCorrupt error.
// A bundle without base.apk is not an error: the outcome carries no primary
// path and a warning that lists the apk entries found.
func Resolve(archivePath string) (types.ExtractionOutcome, error) {
	var outcome types.ExtractionOutcome

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return outcome, &types.Error{
			Kind:    types.KindArchiveCorrupt,
			Op:      "resolve",
			Message: "cannot open " + filepath.Base(archivePath) + " as a zip archive",
			Err:     err,
		}
	}
	defer zr.Close()

	var primary *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ".apk") {
			continue
		}
		outcome.Entries = append(outcome.Entries, f.Name)
		if path.Base(f.Name) == PrimaryEntry && primary == nil {
			primary = f
		}
	}
	sort.Strings(outcome.Entries)
	outcome.Manifest = readManifest(&zr.Reader)

	if primary == nil {
		if len(outcome.Entries) == 0 {
			outcome.Warnings = append(outcome.Warnings, "no .apk entries found in bundle")
		} else {
			outcome.Warnings = append(outcome.Warnings, fmt.Sprintf(
				"%s not found in bundle; found %s. Install the set with a split APK installer such as SAI (Split APKs Installer)",
				PrimaryEntry, strings.Join(outcome.Entries, ", ")))
		}
		return outcome, nil
	}

	outDir := archivePath + ExtractedSuffix
	dest, err := safeJoin(outDir, primary.Name)
	if err != nil {
		return outcome, &types.Error{Kind: types.KindArchiveCorrupt, Op: "resolve", Message: err.Error()}
	}
	if err := extractFile(primary, dest); err != nil {
		return outcome, &types.Error{
			Kind:    types.KindArchiveCorrupt,
			Op:      "resolve",
			Message: "failed to extract " + primary.Name,
			Err:     err,
		}
	}
	outcome.PrimaryPackagePath = dest
	return outcome, nil
}

// safeJoin joins an archive entry name under dir, refusing names that escape it.
func safeJoin(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal entry path %q", name)
	}
	return filepath.Join(dir, clean), nil
}

func extractFile(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
