package shelly

import (
	"context"
	"encoding/json"
	"log"
)

type plugsUIConfig struct {
	Leds *struct {
		Mode string `json:"mode"`
	} `json:"leds"`
}

// NormalizeGen3 delegates to the Gen2 normalization and layers the Gen3
// LED configuration on top. A missing LED config is non-fatal; the field
// is simply omitted.
func NormalizeGen3(ctx context.Context, cmd Commander, credentialID, deviceID string, info map[string]interface{}) (*DeviceState, error) {
	state, err := NormalizeGen2(ctx, cmd, credentialID, deviceID, info)
	if err != nil {
		return nil, err
	}

	raw, err := cmd.SendCommand(ctx, credentialID, deviceID, MethodPlugsUIGetConfig, nil)
	if err != nil {
		log.Printf("[SYNC-GEN3] LED config unavailable for %s: %v", deviceID, err)
		return state, nil
	}

	var cfg plugsUIConfig
	if err := json.Unmarshal(raw, &cfg); err == nil && cfg.Leds != nil {
		state.LedMode = cfg.Leds.Mode
	}

	return state, nil
}
