package adb

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTCPIPPort is used when an address carries no port.
const DefaultTCPIPPort = 5555

// Command is one adb invocation, without the executable itself.
type Command struct {
	// Action names the invocation for logs and metrics ("devices", "push", ...).
	Action string
	Serial string
	Args   []string
}

// Argv returns the full argument vector, with `-s <serial>` in front when a serial is set.
func (c Command) Argv() []string {
	if c.Serial == "" || c.Action == "devices" || c.Action == "version" {
		return append([]string(nil), c.Args...)
	}
	argv := make([]string, 0, len(c.Args)+2)
	argv = append(argv, "-s", c.Serial)
	return append(argv, c.Args...)
}

// WithSerial targets a specific device. `devices` never carries a serial.
func (c Command) WithSerial(serial string) Command {
	c.Serial = serial
	return c
}

// String renders the command the way it would be typed in a shell.
func (c Command) String() string {
	parts := []string{"adb"}
	for _, a := range c.Argv() {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Version checks the tool is installed.
func Version() Command {
	return Command{Action: "version", Args: []string{"version"}}
}

// Devices enumerates attached devices.
func Devices() Command {
	return Command{Action: "devices", Args: []string{"devices"}}
}

// Connect attaches a TCP/IP device.
func Connect(address string) Command {
	return Command{Action: "connect", Args: []string{"connect", address}}
}

// Disconnect detaches a TCP/IP device.
func Disconnect(address string) Command {
	return Command{Action: "disconnect", Args: []string{"disconnect", address}}
}

// TCPIP restarts adbd on the USB device listening on port.
func TCPIP(port int) Command {
	return Command{Action: "tcpip", Args: []string{"tcpip", strconv.Itoa(port)}}
}

// Push copies a local file to the device.
func Push(local, remote string) Command {
	return Command{Action: "push", Args: []string{"push", local, remote}}
}

// Pull copies a device file to local storage.
func Pull(remote, local string) Command {
	return Command{Action: "pull", Args: []string{"pull", remote, local}}
}

// RunScript marks the remote script executable and runs it with one argument.
func RunScript(remoteScript, arg string) Command {
	q := ShellQuote(remoteScript)
	script := fmt.Sprintf("chmod +x %s && %s %s", q, q, ShellQuote(arg))
	return Command{Action: "execute", Args: []string{"shell", script}}
}

// ListPackages lists installed packages with their apk paths.
func ListPackages() Command {
	return Command{Action: "list", Args: []string{"shell", "pm list packages -f"}}
}

// StatSize asks the device for the byte size of a file.
func StatSize(remotePath string) Command {
	return Command{Action: "size-check", Args: []string{"shell", "stat -c %s " + ShellQuote(remotePath)}}
}

// ShellQuote wraps s in single quotes for the device shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// PortFromAddress returns the port after the last ':' or DefaultTCPIPPort.
func PortFromAddress(address string) (int, error) {
	i := strings.LastIndex(address, ":")
	if i < 0 {
		return DefaultTCPIPPort, nil
	}
	port, err := strconv.Atoi(address[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port in address %q", address)
	}
	return port, nil
}

var addressPattern = regexp.MustCompile(`^[a-zA-Z0-9._\-]+(:\d{1,5})?$`)

// ValidateAddress rejects wireless addresses that could smuggle extra arguments.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if len(address) > 256 {
		return fmt.Errorf("address too long")
	}
	if !addressPattern.MatchString(address) {
		return fmt.Errorf("invalid address format: %s", address)
	}
	if _, err := PortFromAddress(address); err != nil {
		return err
	}
	return nil
}
