package shelly

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCommander serves canned responses keyed by RPC method.
type fakeCommander struct {
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func (f *fakeCommander) SendCommand(ctx context.Context, credentialID, deviceID, method string, params interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	raw, ok := f.responses[method]
	if !ok {
		return nil, errors.New("unexpected method: " + method)
	}
	return json.RawMessage(raw), nil
}

func TestWattMinutesToKwh(t *testing.T) {
	assert.Equal(t, 0.5, WattMinutesToKwh(30000))
	assert.Equal(t, 0.0, WattMinutesToKwh(0))
	assert.InDelta(t, 1.0, WattMinutesToKwh(60000), 1e-9)
}

func TestNormalizeGen1(t *testing.T) {
	t.Run("Maps relay, meter and identity fields", func(t *testing.T) {
		info := parseInfo(t, `{
			"mac": "B0B21C12DD94",
			"fw": "20230913-112003/v1.14.0",
			"wifi_sta": {"ssid": "clinic-iot"},
			"relays": [{"ison": true}],
			"meters": [{"power": 45.2, "total": 30000}]
		}`)

		state, err := NormalizeGen1(info)
		require.NoError(t, err)

		assert.Equal(t, "B0B21C12DD94", state.MAC)
		assert.Equal(t, "20230913-112003/v1.14.0", state.FirmwareVersion)
		assert.Equal(t, "Shelly Gen1", state.Model)
		assert.Equal(t, "UTC", state.Timezone)
		assert.Equal(t, "clinic-iot", state.WifiSSID)

		require.NotNil(t, state.RelayOn)
		assert.True(t, *state.RelayOn)
		require.NotNil(t, state.CurrentPower)
		assert.Equal(t, 45.2, *state.CurrentPower)
		require.NotNil(t, state.TotalEnergy)
		assert.InDelta(t, 0.5, *state.TotalEnergy, 1e-9)
	})

	t.Run("Missing relays and meters leave readings unset", func(t *testing.T) {
		info := parseInfo(t, `{"mac": "AABBCC"}`)

		state, err := NormalizeGen1(info)
		require.NoError(t, err)

		assert.Nil(t, state.RelayOn)
		assert.Nil(t, state.CurrentPower)
		assert.Nil(t, state.TotalEnergy)
	})
}

func TestNormalizeGen2(t *testing.T) {
	info := parseInfo(t, `{
		"id": "shellyplusplugs-a8032ab12345",
		"mac": "A8032AB12345",
		"model": "SNPL-00112EU",
		"ver": "1.0.8",
		"gen": 2
	}`)

	t.Run("Merges switch status and timezone", func(t *testing.T) {
		cmd := &fakeCommander{responses: map[string]string{
			MethodSwitchGetStatus: `{
				"output": true,
				"apower": 110.5,
				"voltage": 231.2,
				"current": 0.48,
				"temperature": {"tC": 38.4},
				"aenergy": {"total": 1500}
			}`,
			MethodSysGetConfig: `{"location": {"tz": "Europe/Berlin"}}`,
		}}

		state, err := NormalizeGen2(context.Background(), cmd, "cred-1", "dev-1", info)
		require.NoError(t, err)

		assert.Equal(t, "SNPL-00112EU", state.Model)
		assert.Equal(t, "1.0.8", state.FirmwareVersion)
		assert.Equal(t, "A8032AB12345", state.MAC)
		assert.Equal(t, "Europe/Berlin", state.Timezone)

		require.NotNil(t, state.RelayOn)
		assert.True(t, *state.RelayOn)
		require.NotNil(t, state.CurrentPower)
		assert.Equal(t, 110.5, *state.CurrentPower)
		require.NotNil(t, state.Voltage)
		assert.Equal(t, 231.2, *state.Voltage)
		require.NotNil(t, state.Temperature)
		assert.Equal(t, 38.4, *state.Temperature)
		require.NotNil(t, state.TotalEnergy)
		assert.InDelta(t, 1.5, *state.TotalEnergy, 1e-9) // 1500 Wh
	})

	t.Run("Sub-command failures are non-fatal", func(t *testing.T) {
		cmd := &fakeCommander{errs: map[string]error{
			MethodSwitchGetStatus: errors.New("device busy"),
			MethodSysGetConfig:    errors.New("device busy"),
		}}

		state, err := NormalizeGen2(context.Background(), cmd, "cred-1", "dev-1", info)
		require.NoError(t, err)

		assert.Equal(t, "SNPL-00112EU", state.Model)
		assert.Nil(t, state.RelayOn)
		assert.Nil(t, state.CurrentPower)
		assert.Empty(t, state.Timezone)
	})
}

func TestNormalizeGen3(t *testing.T) {
	info := parseInfo(t, `{
		"mac": "C4D8D5001234",
		"model": "S3PL-00112EU",
		"ver": "1.2.2",
		"gen": 3
	}`)

	t.Run("Adds LED mode on top of Gen2 state", func(t *testing.T) {
		cmd := &fakeCommander{responses: map[string]string{
			MethodSwitchGetStatus:  `{"output": false, "apower": 0}`,
			MethodSysGetConfig:     `{"location": {"tz": "UTC"}}`,
			MethodPlugsUIGetConfig: `{"leds": {"mode": "switch"}}`,
		}}

		state, err := NormalizeGen3(context.Background(), cmd, "cred-1", "dev-1", info)
		require.NoError(t, err)

		assert.Equal(t, "switch", state.LedMode)
		require.NotNil(t, state.RelayOn)
		assert.False(t, *state.RelayOn)
	})

	t.Run("Missing LED config is non-fatal", func(t *testing.T) {
		cmd := &fakeCommander{
			responses: map[string]string{
				MethodSwitchGetStatus: `{"output": true}`,
				MethodSysGetConfig:    `{}`,
			},
			errs: map[string]error{
				MethodPlugsUIGetConfig: errors.New("not supported"),
			},
		}

		state, err := NormalizeGen3(context.Background(), cmd, "cred-1", "dev-1", info)
		require.NoError(t, err)

		assert.Empty(t, state.LedMode)
		require.NotNil(t, state.RelayOn)
		assert.True(t, *state.RelayOn)
	})
}
