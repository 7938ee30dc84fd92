package shelly

import (
	"context"
	"encoding/json"
)

// RPC method names shared across Gen2/Gen3 firmware
const (
	MethodGetDeviceInfo    = "Shelly.GetDeviceInfo"
	MethodSwitchGetStatus  = "Switch.GetStatus"
	MethodSwitchSet        = "Switch.Set"
	MethodSysGetConfig     = "Sys.GetConfig"
	MethodPlugsUIGetConfig = "PLUGS_UI.GetConfig" // Gen3 LED surface
)

// Commander issues one RPC command to a device over the per-credential
// command channel and waits for the matched response.
type Commander interface {
	SendCommand(ctx context.Context, credentialID, deviceID, method string, params interface{}) (json.RawMessage, error)
}

// DeviceState is the canonical normalized state produced by the
// per-generation adapters. Pointer fields distinguish "not reported"
// from a legitimate zero reading.
type DeviceState struct {
	MAC             string
	Model           string
	FirmwareVersion string
	Timezone        string
	WifiSSID        string
	LedMode         string

	RelayOn      *bool
	CurrentPower *float64 // watts
	Voltage      *float64
	Current      *float64
	Temperature  *float64 // celsius
	TotalEnergy  *float64 // kWh
}
