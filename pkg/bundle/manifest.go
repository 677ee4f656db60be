package bundle

import (
	"io"

	"github.com/klauspost/compress/zip"
	"github.com/tidwall/gjson"

	"ApkExtractor/pkg/types"
)

const maxManifestSize = 1 << 20

// readManifest reads the XAPK manifest.json or the APKM info.json when present.
// Bundles without metadata (plain .apks) return nil.
func readManifest(zr *zip.Reader) *types.BundleManifest {
	for _, f := range zr.File {
		switch f.Name {
		case "manifest.json":
			if data := readSmall(f); data != nil {
				return parseXAPKManifest(data)
			}
		case "info.json":
			if data := readSmall(f); data != nil {
				return parseAPKMInfo(data)
			}
		}
	}
	return nil
}

func readSmall(f *zip.File) []byte {
	if f.UncompressedSize64 > maxManifestSize {
		return nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxManifestSize))
	if err != nil || !gjson.ValidBytes(data) {
		return nil
	}
	return data
}

func parseXAPKManifest(data []byte) *types.BundleManifest {
	m := &types.BundleManifest{
		PackageName: gjson.GetBytes(data, "package_name").String(),
		VersionName: gjson.GetBytes(data, "version_name").String(),
	}
	for _, split := range gjson.GetBytes(data, "split_apks.#.file").Array() {
		m.Splits = append(m.Splits, split.String())
	}
	return m
}

func parseAPKMInfo(data []byte) *types.BundleManifest {
	return &types.BundleManifest{
		PackageName: gjson.GetBytes(data, "pname").String(),
		VersionName: gjson.GetBytes(data, "release_version").String(),
	}
}
