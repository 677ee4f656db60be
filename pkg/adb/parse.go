package adb

import (
	"regexp"
	"strconv"
	"strings"

	"ApkExtractor/pkg/types"
)

var (
	wirelessDeviceRe = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d{1,5})\s+device\b`)
	usbDeviceRe      = regexp.MustCompile(`^([a-zA-Z0-9][a-zA-Z0-9._\-]*)\s+device\b`)
	waitingDeviceRe  = regexp.MustCompile(`(\S+)\s+(unauthorized|offline)\b`)
	wirelessIDRe     = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d{1,5}$`)

	packageLineRe = regexp.MustCompile(`package:(.+)=(.+)`)
	extractedRe   = regexp.MustCompile(`Extracted: (.+\.apk)`)
	versionRe     = regexp.MustCompile(`Android Debug Bridge version ([\w.\-]+)`)
)

// ParseDevices scans `adb devices` output. An authorized wireless id is
// preferred over a USB serial because a device shows up on both transports
// right after tcpip is enabled.
func ParseDevices(output string) types.DeviceScan {
	var scan types.DeviceScan
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}

		if m := wirelessDeviceRe.FindStringSubmatch(line); m != nil {
			scan.Lines = append(scan.Lines, types.DeviceLine{ID: m[1], Status: types.DeviceReady, Wireless: true})
			continue
		}
		if m := usbDeviceRe.FindStringSubmatch(line); m != nil {
			scan.Lines = append(scan.Lines, types.DeviceLine{ID: m[1], Status: types.DeviceReady, Wireless: IsMDNSID(m[1])})
			continue
		}
		if m := waitingDeviceRe.FindStringSubmatch(line); m != nil {
			dl := types.DeviceLine{ID: m[1], Status: types.DeviceStatus(m[2]), Wireless: IsWirelessID(m[1])}
			scan.Lines = append(scan.Lines, dl)
			scan.Waiting = append(scan.Waiting, dl)
		}
	}

	for _, dl := range scan.Lines {
		if dl.Status == types.DeviceReady && dl.Wireless {
			scan.DeviceID, scan.Wireless = dl.ID, true
			return scan
		}
	}
	for _, dl := range scan.Lines {
		if dl.Status == types.DeviceReady {
			scan.DeviceID = dl.ID
			return scan
		}
	}
	return scan
}

// AuthorizedUSBSerial returns the first authorized device that is not attached over TCP/IP.
func AuthorizedUSBSerial(output string) (string, bool) {
	for _, dl := range ParseDevices(output).Lines {
		if dl.Status == types.DeviceReady && !dl.Wireless {
			return dl.ID, true
		}
	}
	return "", false
}

// IsWirelessID reports whether id is attached over the network: an ip:port
// or an mDNS service name from Android 11+ wireless debugging.
func IsWirelessID(id string) bool {
	return wirelessIDRe.MatchString(id) || IsMDNSID(id)
}

// IsMDNSID reports whether id is an mDNS serial such as
// adb-R58M123ABC-x1Yz._adb-tls-connect._tcp.
func IsMDNSID(id string) bool {
	return strings.Contains(id, "._adb-tls-connect.") || strings.Contains(id, "._adb-tls-pairing.")
}

// ParsePackages parses `pm list packages -f` output. pm prints
// `package:<path>=<name>`; the `package:<name>=<path>` order is also accepted,
// the absolute path side is taken as the path.
func ParsePackages(output string) []types.PackageEntry {
	var entries []types.PackageEntry
	for _, line := range strings.Split(output, "\n") {
		m := packageLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		left, right := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if left == "" || right == "" {
			continue
		}
		name, path := left, right
		if !strings.HasPrefix(right, "/") && strings.HasPrefix(left, "/") {
			name, path = right, left
		}
		entries = append(entries, types.NewPackageEntry(name, path))
	}
	return entries
}

// ParseExtractedPath finds the "Extracted: <path>.apk" marker printed by the device script.
func ParseExtractedPath(stdout string) (string, bool) {
	m := extractedRe.FindStringSubmatch(stdout)
	if m == nil {
		return "", false
	}
	p := strings.TrimSpace(m[1])
	return p, p != ""
}

// ParseSize parses the byte count printed by `stat -c %s`.
func ParseSize(stdout string) (int64, error) {
	s := strings.TrimSpace(stdout)
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, types.NewError(types.KindParseFailure, "size-check", "unexpected size output: "+strconv.Quote(s))
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, types.WrapError(types.KindParseFailure, "size-check", err)
	}
	return n, nil
}

// ParseVersion extracts the version from `adb version`.
func ParseVersion(stdout string) string {
	if m := versionRe.FindStringSubmatch(stdout); m != nil {
		return m[1]
	}
	return ""
}

// Patterns holds the phrases that mark success for commands whose exit code
// is unreliable across adb versions.
type Patterns struct {
	ConnectSuccess   []string `mapstructure:"connect-success" json:"connectSuccess"`
	BootstrapSuccess []string `mapstructure:"bootstrap-success" json:"bootstrapSuccess"`
}

// DefaultPatterns returns the phrases observed in adb releases.
func DefaultPatterns() Patterns {
	return Patterns{
		ConnectSuccess:   []string{"connected to", "already connected"},
		BootstrapSuccess: []string{"already in tcpip mode", "restarting in tcp mode"},
	}
}

// Merge fills empty lists from defaults.
func (p Patterns) Merge(defaults Patterns) Patterns {
	if len(p.ConnectSuccess) == 0 {
		p.ConnectSuccess = defaults.ConnectSuccess
	}
	if len(p.BootstrapSuccess) == 0 {
		p.BootstrapSuccess = defaults.BootstrapSuccess
	}
	return p
}

// ConnectSucceeded reports whether `adb connect` attached the device.
// adb connect exits 0 even when it fails, so the output decides.
func (p Patterns) ConnectSucceeded(res types.CommandResult) bool {
	return res.ExitCode == 0 && containsAny(res.Stdout, p.ConnectSuccess)
}

// BootstrapSucceeded reports whether `adb tcpip` switched the device.
func (p Patterns) BootstrapSucceeded(res types.CommandResult) bool {
	return res.ExitCode == 0 || containsAny(res.Stdout+"\n"+res.Stderr, p.BootstrapSuccess)
}

func containsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
