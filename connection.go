package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ApkExtractor/pkg/adb"
	"ApkExtractor/pkg/types"
)

// ========================================
// Connection State Machine - 连接状态机 (loop only)
// ========================================

// beginConnect is legal only from Disconnected; anything else is rejected untouched.
func (a *App) beginConnect(ctx context.Context, mode types.TransportMode, done func(types.ConnectionSnapshot, error)) error {
	if a.state.conn != types.StateDisconnected {
		return fmt.Errorf("%w: connect requires %s, current state is %s",
			types.ErrIllegalState, types.StateDisconnected, a.state.conn)
	}
	if mode.IsWireless() {
		if err := adb.ValidateAddress(mode.Address); err != nil {
			return types.WrapError(types.KindGeneric, "connect", err)
		}
	}

	op, err := a.slots.acquire(ctx, types.SlotConnect, func(err error) {
		a.dropConnection()
		done(a.snapshot(), err)
	})
	if err != nil {
		return err
	}

	a.state.mode = mode
	a.setState(types.StateConnecting)
	LogUserAction(ActionDeviceConnect, mode.Address, map[string]interface{}{"mode": mode.String()})
	ConnLog().Str("mode", mode.String()).Msg("Connecting")

	if !mode.IsWireless() {
		a.enumerate(op, done)
		return nil
	}

	a.logEvent(LevelInfo, "connect", "connecting to "+mode.Address)
	a.dispatch(op, adb.Connect(mode.Address), func(res types.CommandResult) {
		if !a.patterns.ConnectSucceeded(res) {
			a.slots.release(op)
			err := adb.ConnectRules.Error("connect", res)
			if err.Kind == types.KindGeneric && err.Message == "" {
				err.Message = "failed to connect to " + mode.Address
			}
			a.failConnection(err)
			a.logEvent(LevelInfo, "connect", "make sure wireless debugging was enabled over USB first (apkx wireless <address>)")
			done(a.snapshot(), err)
			return
		}
		a.logEvent(LevelInfo, "connect", strings.TrimSpace(res.Stdout)+", confirming authorization")
		a.enumerate(op, done)
	})
	return nil
}

// beginPoll re-runs the enumeration of a Connecting attempt.
func (a *App) beginPoll(ctx context.Context, done func(types.ConnectionSnapshot, error)) error {
	if a.state.conn != types.StateConnecting {
		return fmt.Errorf("%w: poll requires %s, current state is %s",
			types.ErrIllegalState, types.StateConnecting, a.state.conn)
	}
	op, err := a.slots.acquire(ctx, types.SlotConnect, func(err error) {
		a.dropConnection()
		done(a.snapshot(), err)
	})
	if err != nil {
		return err
	}
	a.enumerate(op, done)
	return nil
}

// enumerate runs `adb devices` under op and hands the result to handleEnumeration.
func (a *App) enumerate(op *PendingOperation, done func(types.ConnectionSnapshot, error)) {
	a.dispatch(op, adb.Devices(), func(res types.CommandResult) {
		a.slots.release(op)
		a.handleEnumeration(res, done)
	})
}

func (a *App) handleEnumeration(res types.CommandResult, done func(types.ConnectionSnapshot, error)) {
	if !res.Success() {
		err := adb.ConnectRules.Error("devices", res)
		a.failConnection(err)
		done(a.snapshot(), err)
		return
	}

	scan := adb.ParseDevices(res.Stdout)
	switch {
	case scan.Authorized():
		prev := a.state.conn
		a.state.resetOnConnect(scan.DeviceID)
		a.announceState(prev)
		a.rememberDevice(scan)
		a.logEvent(LevelSuccess, "connect", "device connected: "+scan.DeviceID)
		done(a.snapshot(), nil)

	case len(scan.Waiting) > 0:
		a.state.waiting = scan.Waiting
		for _, dl := range scan.Waiting {
			a.logEvent(LevelWarn, "connect", waitingHint(dl))
		}
		done(a.snapshot(), nil)

	default:
		err := types.NewError(types.KindGeneric, "devices", "no authorized device found, check the cable and that USB debugging is enabled")
		a.failConnection(err)
		done(a.snapshot(), err)
	}
}

func waitingHint(dl types.DeviceLine) string {
	if dl.Status == types.DeviceOffline {
		return fmt.Sprintf("device %s is offline, waiting for it to come back", dl.ID)
	}
	return fmt.Sprintf("device %s is unauthorized, accept the RSA fingerprint prompt on the device", dl.ID)
}

func (a *App) rememberDevice(scan types.DeviceScan) {
	if a.cache == nil {
		return
	}
	a.cache.SetLastActive(scan.DeviceID, time.Now().Unix())
	if scan.Wireless && !adb.IsMDNSID(scan.DeviceID) {
		a.cache.RememberAddress(scan.DeviceID)
	} else if a.state.mode.IsWireless() {
		a.cache.RememberAddress(a.state.mode.Address)
	}
}

// dropConnection resets to Disconnected without touching pending tokens.
func (a *App) dropConnection() {
	a.stopTransfer()
	prev := a.state.conn
	a.state.resetOnDisconnect()
	a.announceState(prev)
}

// failConnection handles a connection-related failure: back to Disconnected,
// and whatever else was pending against the device is cancelled.
func (a *App) failConnection(err error) {
	a.dropConnection()
	a.emitError(LevelError, "connect", err)
	a.slots.cancelAll(err)
}

// beginScan enumerates devices without changing the connection state.
func (a *App) beginScan(ctx context.Context, done func(types.DeviceScan, error)) error {
	op, err := a.slots.acquire(ctx, types.SlotConnect, func(err error) {
		done(types.DeviceScan{}, err)
	})
	if err != nil {
		return err
	}
	a.dispatch(op, adb.Devices(), func(res types.CommandResult) {
		a.slots.release(op)
		if !res.Success() {
			done(types.DeviceScan{}, adb.ConnectRules.Error("devices", res))
			return
		}
		done(adb.ParseDevices(res.Stdout), nil)
	})
	return nil
}

// beginDisconnect cancels whatever else is pending, then resets. Only a
// wireless connection dispatches `adb disconnect`; USB is a local reset.
func (a *App) beginDisconnect(ctx context.Context, done func(types.ConnectionSnapshot, error)) error {
	if a.state.conn == types.StateDisconnected {
		done(a.snapshot(), nil)
		return nil
	}
	if a.slots.busy(types.SlotDisconnect) {
		return types.ErrSlotBusy
	}

	LogUserAction(ActionDeviceDisconnect, a.state.deviceID, nil)
	a.slots.cancelExcept(types.ErrCanceled, types.SlotDisconnect)
	a.stopTransfer()

	target := a.wirelessTarget()
	if target == "" {
		a.dropConnection()
		a.logEvent(LevelInfo, "disconnect", "disconnected")
		done(a.snapshot(), nil)
		return nil
	}

	op, err := a.slots.acquire(ctx, types.SlotDisconnect, func(err error) {
		a.dropConnection()
		done(a.snapshot(), err)
	})
	if err != nil {
		return err
	}
	a.dispatch(op, adb.Disconnect(target), func(res types.CommandResult) {
		a.slots.release(op)
		if !res.Success() {
			a.logEvent(LevelWarn, "disconnect", adb.ConnectRules.Error("disconnect", res).Error())
		}
		a.dropConnection()
		a.logEvent(LevelInfo, "disconnect", "disconnected from "+target)
		done(a.snapshot(), nil)
	})
	return nil
}

// beginDetach disconnects address at the adb server without connecting to it first.
func (a *App) beginDetach(ctx context.Context, address string, done func(types.ConnectionSnapshot, error)) error {
	address = strings.TrimSpace(address)
	if err := adb.ValidateAddress(address); err != nil {
		return types.WrapError(types.KindGeneric, "disconnect", err)
	}
	if a.state.conn != types.StateDisconnected && a.wirelessTarget() == address {
		return a.beginDisconnect(ctx, done)
	}

	op, err := a.slots.acquire(ctx, types.SlotDisconnect, func(err error) {
		done(a.snapshot(), err)
	})
	if err != nil {
		return err
	}
	LogUserAction(ActionDeviceDisconnect, address, nil)
	a.dispatch(op, adb.Disconnect(address), func(res types.CommandResult) {
		a.slots.release(op)
		if !res.Success() {
			err := adb.ConnectRules.Error("disconnect", res)
			a.emitError(LevelWarn, "disconnect", err)
			done(a.snapshot(), err)
			return
		}
		a.logEvent(LevelInfo, "disconnect", "disconnected from "+address)
		done(a.snapshot(), nil)
	})
	return nil
}

// wirelessTarget is the ip:port to detach, or "" for USB.
func (a *App) wirelessTarget() string {
	if !a.state.mode.IsWireless() {
		return ""
	}
	if adb.IsWirelessID(a.state.deviceID) {
		return a.state.deviceID
	}
	return a.state.mode.Address
}

// beginEnableWireless requires an authorized USB device; the connection state is left alone.
func (a *App) beginEnableWireless(ctx context.Context, address string, done func(types.BootstrapResult, error)) error {
	address = strings.TrimSpace(address)
	if err := adb.ValidateAddress(address); err != nil {
		return types.WrapError(types.KindGeneric, "tcpip", err)
	}
	port, err := adb.PortFromAddress(address)
	if err != nil {
		return types.WrapError(types.KindGeneric, "tcpip", err)
	}

	op, err := a.slots.acquire(ctx, types.SlotConnect, func(err error) {
		done(types.BootstrapResult{}, err)
	})
	if err != nil {
		return err
	}

	a.dispatch(op, adb.Devices(), func(res types.CommandResult) {
		serial, ok := adb.AuthorizedUSBSerial(res.Stdout)
		if !res.Success() || !ok {
			a.slots.release(op)
			err := types.NewError(types.KindGeneric, "tcpip",
				"no authorized USB device found: connect the device with a cable, enable USB debugging and accept the RSA fingerprint, then retry")
			a.emitError(LevelError, "connect", err)
			done(types.BootstrapResult{}, err)
			return
		}

		LogUserAction(ActionEnableWireless, serial, map[string]interface{}{"port": port})
		a.logEvent(LevelInfo, "connect", fmt.Sprintf("enabling wireless debugging on %s (port %d)", serial, port))
		a.dispatch(op, adb.TCPIP(port).WithSerial(serial), func(res types.CommandResult) {
			a.slots.release(op)
			output := strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
			if !a.patterns.BootstrapSucceeded(res) {
				err := adb.ConnectRules.Error("tcpip", res)
				a.emitError(LevelError, "connect", err)
				done(types.BootstrapResult{}, err)
				return
			}
			if a.cache != nil {
				a.cache.RememberAddress(withPort(address, port))
			}
			a.logEvent(LevelSuccess, "connect",
				fmt.Sprintf("wireless debugging enabled on port %d, unplug USB and connect to %s", port, withPort(address, port)))
			done(types.BootstrapResult{Serial: serial, Port: port, Output: output}, nil)
		})
	})
	return nil
}

func withPort(address string, port int) string {
	if strings.Contains(address, ":") {
		return address
	}
	return fmt.Sprintf("%s:%d", address, port)
}
