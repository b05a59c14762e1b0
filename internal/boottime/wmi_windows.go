//go:build windows

package boottime

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/fleetscope/winops/internal/logging"
)

// localBootTime asks WMI for Win32_OperatingSystem.LastBootUpTime, which
// survives clock adjustments, and falls back to the kernel uptime counter
// when WMI is unhealthy.
func localBootTime(ctx context.Context) (time.Time, error) {
	bt, err := wmiBootTime()
	if err == nil {
		return bt, nil
	}
	log.Debug("wmi boot time unavailable, using uptime counter", logging.KeyError, err)

	epoch, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("local boot time: %w", err)
	}
	return time.Unix(int64(epoch), 0).UTC(), nil
}

// wmiBootTime runs the Win32_OperatingSystem query on a COM apartment
// thread and parses the CIM datetime it returns.
func wmiBootTime() (time.Time, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		return time.Time{}, fmt.Errorf("failed to initialize COM: %w", err)
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create wmi locator: %w", err)
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query wmi locator: %w", err)
	}
	defer locator.Release()

	serviceVar, err := oleutil.CallMethod(locator, "ConnectServer")
	if err != nil {
		return time.Time{}, fmt.Errorf("wmi connect failed: %w", err)
	}
	defer serviceVar.Clear()

	service := serviceVar.ToIDispatch()
	if service == nil {
		return time.Time{}, fmt.Errorf("wmi connect failed: nil service")
	}
	defer service.Release()

	resultVar, err := oleutil.CallMethod(service, "ExecQuery",
		"SELECT LastBootUpTime FROM Win32_OperatingSystem")
	if err != nil {
		return time.Time{}, fmt.Errorf("wmi query failed: %w", err)
	}
	defer resultVar.Clear()

	result := resultVar.ToIDispatch()
	if result == nil {
		return time.Time{}, fmt.Errorf("wmi query failed: nil result")
	}
	defer result.Release()

	countVar, err := oleutil.GetProperty(result, "Count")
	if err != nil {
		return time.Time{}, fmt.Errorf("wmi result count failed: %w", err)
	}
	count := int(countVar.Val)
	countVar.Clear()
	if count == 0 {
		return time.Time{}, fmt.Errorf("wmi query returned no rows")
	}

	itemVar, err := oleutil.CallMethod(result, "ItemIndex", 0)
	if err != nil {
		return time.Time{}, fmt.Errorf("wmi result item failed: %w", err)
	}
	defer itemVar.Clear()

	item := itemVar.ToIDispatch()
	if item == nil {
		return time.Time{}, fmt.Errorf("wmi result item missing")
	}
	defer item.Release()

	raw, err := oleutil.GetProperty(item, "LastBootUpTime")
	if err != nil {
		return time.Time{}, fmt.Errorf("LastBootUpTime read failed: %w", err)
	}
	defer raw.Clear()

	return parseCIMDatetime(raw.ToString())
}
