package shelly

// Gen1 devices only expose a flat HTTP status document. Everything needed
// for normalization is already inside the info blob, so no sub-commands
// are issued.

// wattMinutesPerKwh converts the Gen1 cumulative meter counter, which
// reports watt-minutes, into kWh.
const wattMinutesPerKwh = 60000.0

// WattMinutesToKwh converts a Gen1 meter total (watt-minutes) to kWh.
func WattMinutesToKwh(wattMinutes float64) float64 {
	return wattMinutes / wattMinutesPerKwh
}

// NormalizeGen1 maps a Gen1 status document onto the canonical state:
// the first relay's on/off flag and the first meter's instantaneous power
// plus cumulative counter.
func NormalizeGen1(info map[string]interface{}) (*DeviceState, error) {
	state := &DeviceState{Model: "Shelly Gen1"}

	if mac, ok := stringField(info, "mac"); ok {
		state.MAC = mac
	}
	if fw, ok := stringField(info, "fw"); ok {
		state.FirmwareVersion = fw
	}
	// Gen1 firmware does not report a timezone in its status document.
	state.Timezone = "UTC"

	if wifi, ok := info["wifi_sta"].(map[string]interface{}); ok {
		if ssid, ok := stringField(wifi, "ssid"); ok {
			state.WifiSSID = ssid
		}
	}

	if relays, ok := info["relays"].([]interface{}); ok && len(relays) > 0 {
		if relay, ok := relays[0].(map[string]interface{}); ok {
			if ison, ok := boolField(relay, "ison"); ok {
				state.RelayOn = &ison
			}
		}
	}

	if meters, ok := info["meters"].([]interface{}); ok && len(meters) > 0 {
		if meter, ok := meters[0].(map[string]interface{}); ok {
			if power, ok := numberField(meter, "power"); ok {
				state.CurrentPower = &power
			}
			if total, ok := numberField(meter, "total"); ok {
				kwh := WattMinutesToKwh(total)
				state.TotalEnergy = &kwh
			}
		}
	}

	return state, nil
}
