package adb

import (
	"strings"

	"ApkExtractor/pkg/types"
)

// Rule maps a phrase in adb's error output to a failure kind.
type Rule struct {
	Pattern string
	Kind    types.ErrorKind
	Hint    string
}

// Rules is an ordered rule list; the first matching rule wins, Generic otherwise.
type Rules []Rule

// Classify returns the first matching rule. Matching is case-insensitive.
func (rs Rules) Classify(text string) Rule {
	lower := strings.ToLower(text)
	for _, r := range rs {
		if strings.Contains(lower, strings.ToLower(r.Pattern)) {
			return r
		}
	}
	return Rule{Kind: types.KindGeneric}
}

// Error classifies a failed command result into a *types.Error.
func (rs Rules) Error(op string, res types.CommandResult) *types.Error {
	text := res.Stderr
	if strings.TrimSpace(text) == "" {
		// adb prints some failures (push/pull) on stdout
		text = res.Stdout
	}
	rule := rs.Classify(text)
	msg := rule.Hint
	if msg == "" {
		msg = firstLine(text)
	}
	return &types.Error{
		Kind:     rule.Kind,
		Op:       op,
		Message:  msg,
		ExitCode: res.ExitCode,
		Stderr:   strings.TrimSpace(res.Stderr),
	}
}

var deviceRules = Rules{
	{Pattern: "device unauthorized", Kind: types.KindUnauthorized, Hint: "device unauthorized, accept the RSA fingerprint on the device"},
}

// PushRules classify `adb push` failures.
var PushRules = append(append(Rules{}, deviceRules...),
	Rule{Pattern: "Permission denied", Kind: types.KindPermissionDenied, Hint: "permission denied on device, check the remote script path permissions"},
	Rule{Pattern: "No such file or directory", Kind: types.KindPathNotFound, Hint: "remote destination directory not found, check the device script path"},
)

// ListRules classify `pm list packages` failures.
var ListRules = append(append(Rules{}, deviceRules...),
	Rule{Pattern: "Permission denied", Kind: types.KindPermissionDenied, Hint: "permission denied running pm on the device, check that USB debugging is fully enabled"},
	Rule{Pattern: "not found", Kind: types.KindPathNotFound, Hint: "pm command not found on device"},
)

// ExecuteRules classify remote script failures.
var ExecuteRules = append(append(Rules{}, deviceRules...),
	Rule{Pattern: "Permission denied", Kind: types.KindPermissionDenied, Hint: "permission denied, check script file permissions on the device"},
	Rule{Pattern: "not found", Kind: types.KindPathNotFound, Hint: "required script or command not found on the device"},
	Rule{Pattern: "No such file or directory", Kind: types.KindPathNotFound, Hint: "required script or command not found on the device"},
)

// PullRules classify `stat` and `adb pull` failures.
var PullRules = append(append(Rules{}, deviceRules...),
	Rule{Pattern: "no such file or directory", Kind: types.KindPathNotFound, Hint: "apk file not found on the device at the given path"},
	Rule{Pattern: "does not exist", Kind: types.KindPathNotFound, Hint: "apk file not found on the device at the given path"},
	Rule{Pattern: "Permission denied", Kind: types.KindPermissionDenied, Hint: "permission denied when reading the apk on the device"},
)

// ConnectRules classify `adb connect` and `adb devices` failures.
var ConnectRules = append(append(Rules{}, deviceRules...),
	Rule{Pattern: "Connection refused", Kind: types.KindGeneric, Hint: "device is not listening on that address, enable wireless debugging over USB first"},
	Rule{Pattern: "No route to host", Kind: types.KindGeneric, Hint: "device unreachable, check the network or firewall"},
	Rule{Pattern: "timed out", Kind: types.KindGeneric, Hint: "connection timed out, check the network or firewall"},
)

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
