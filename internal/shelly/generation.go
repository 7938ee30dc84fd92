// Package shelly normalizes the three incompatible smart plug hardware
// generations into one canonical device state. Gen1 devices speak a flat
// REST status document; Gen2 and Gen3 speak RPC methods over the cloud
// command channel, Gen3 adding LED configuration on top of the Gen2 surface.
package shelly

import (
	"errors"
	"fmt"

	"github.com/clinicore/smartplug-telemetry/internal/models"
)

// ErrUnrecognizedGeneration is returned when a device info blob matches
// none of the known generation fingerprints. Callers must not persist any
// partial state when classification fails.
var ErrUnrecognizedGeneration = errors.New("device generation not recognized")

// DetectGeneration classifies a raw device info blob by structural
// fingerprint:
//   - Gen1 exposes relays[] and meters[] arrays and no model/ver pair
//   - Gen2/Gen3 expose model and ver; the gen field splits them
func DetectGeneration(info map[string]interface{}) (models.Generation, error) {
	if info == nil {
		return models.GenerationUnknown, ErrUnrecognizedGeneration
	}

	_, hasModel := info["model"].(string)
	_, hasVer := info["ver"].(string)
	if hasModel && hasVer {
		if gen, ok := numberField(info, "gen"); ok && int(gen) == 3 {
			return models.Generation3, nil
		}
		return models.Generation2, nil
	}

	_, hasRelays := info["relays"].([]interface{})
	_, hasMeters := info["meters"].([]interface{})
	if hasRelays && hasMeters {
		return models.Generation1, nil
	}

	return models.GenerationUnknown, fmt.Errorf("%w: keys do not match any known shape", ErrUnrecognizedGeneration)
}

// numberField reads a numeric JSON field, tolerating the float64 that
// encoding/json produces for all numbers.
func numberField(m map[string]interface{}, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func boolField(m map[string]interface{}, key string) (bool, bool) {
	b, ok := m[key].(bool)
	return b, ok
}
