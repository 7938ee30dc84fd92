package shelly

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// switchStatus is the Switch.GetStatus response shape shared by Gen2/Gen3
type switchStatus struct {
	Output  *bool    `json:"output"`
	APower  *float64 `json:"apower"`
	Voltage *float64 `json:"voltage"`
	Current *float64 `json:"current"`
	AEnergy *struct {
		Total float64 `json:"total"` // Wh
	} `json:"aenergy"`
	Temperature *struct {
		TC *float64 `json:"tC"`
	} `json:"temperature"`
}

type sysConfig struct {
	Location *struct {
		TZ string `json:"tz"`
	} `json:"location"`
}

// NormalizeGen2 builds the canonical state for a Gen2 device. Identity
// fields come from the info blob; live readings come from a
// Switch.GetStatus sub-command and the timezone from Sys.GetConfig.
// Sub-command failures leave the corresponding fields unset rather than
// failing the whole normalization.
func NormalizeGen2(ctx context.Context, cmd Commander, credentialID, deviceID string, info map[string]interface{}) (*DeviceState, error) {
	state := &DeviceState{}

	if mac, ok := stringField(info, "mac"); ok {
		state.MAC = mac
	} else if id, ok := stringField(info, "id"); ok {
		state.MAC = id
	}
	if model, ok := stringField(info, "model"); ok {
		state.Model = model
	}
	if ver, ok := stringField(info, "ver"); ok {
		state.FirmwareVersion = ver
	}

	raw, err := cmd.SendCommand(ctx, credentialID, deviceID, MethodSwitchGetStatus, map[string]interface{}{"id": 0})
	if err != nil {
		log.Printf("[SYNC-GEN2] switch status unavailable for %s: %v", deviceID, err)
	} else if err := applySwitchStatus(state, raw); err != nil {
		return nil, fmt.Errorf("invalid switch status for %s: %w", deviceID, err)
	}

	rawCfg, err := cmd.SendCommand(ctx, credentialID, deviceID, MethodSysGetConfig, nil)
	if err != nil {
		log.Printf("[SYNC-GEN2] system config unavailable for %s: %v", deviceID, err)
	} else {
		var cfg sysConfig
		if err := json.Unmarshal(rawCfg, &cfg); err == nil && cfg.Location != nil && cfg.Location.TZ != "" {
			state.Timezone = cfg.Location.TZ
		}
	}

	return state, nil
}

func applySwitchStatus(state *DeviceState, raw json.RawMessage) error {
	var status switchStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return err
	}

	state.RelayOn = status.Output
	state.CurrentPower = status.APower
	state.Voltage = status.Voltage
	state.Current = status.Current
	if status.Temperature != nil {
		state.Temperature = status.Temperature.TC
	}
	if status.AEnergy != nil {
		kwh := status.AEnergy.Total / 1000 // Wh to kWh
		state.TotalEnergy = &kwh
	}

	return nil
}
