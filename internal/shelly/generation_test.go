package shelly

import (
	"encoding/json"
	"testing"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseInfo(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &info))
	return info
}

func TestDetectGeneration(t *testing.T) {
	t.Run("Relays and meters without model classify as Gen1", func(t *testing.T) {
		info := parseInfo(t, `{
			"mac": "b0b21c12dd94",
			"fw": "20230913-112003/v1.14.0",
			"relays": [{"ison": true}],
			"meters": [{"power": 45.2, "total": 30000}]
		}`)

		gen, err := DetectGeneration(info)
		assert.NoError(t, err)
		assert.Equal(t, models.Generation1, gen)
	})

	t.Run("Model and ver classify as Gen2", func(t *testing.T) {
		info := parseInfo(t, `{
			"id": "shellyplusplugs-a8032ab12345",
			"model": "SNPL-00112EU",
			"ver": "1.0.8",
			"gen": 2
		}`)

		gen, err := DetectGeneration(info)
		assert.NoError(t, err)
		assert.Equal(t, models.Generation2, gen)
	})

	t.Run("Gen field 3 classifies as Gen3", func(t *testing.T) {
		info := parseInfo(t, `{
			"id": "shellyplugsg3-c4d8d5001234",
			"model": "S3PL-00112EU",
			"ver": "1.2.2",
			"gen": 3
		}`)

		gen, err := DetectGeneration(info)
		assert.NoError(t, err)
		assert.Equal(t, models.Generation3, gen)
	})

	t.Run("Model and ver without gen default to Gen2", func(t *testing.T) {
		info := parseInfo(t, `{"model": "SNPL-00112EU", "ver": "1.0.8"}`)

		gen, err := DetectGeneration(info)
		assert.NoError(t, err)
		assert.Equal(t, models.Generation2, gen)
	})

	t.Run("Unknown shape fails classification", func(t *testing.T) {
		info := parseInfo(t, `{"hello": "world"}`)

		gen, err := DetectGeneration(info)
		assert.ErrorIs(t, err, ErrUnrecognizedGeneration)
		assert.Equal(t, models.GenerationUnknown, gen)
	})

	t.Run("Nil info fails classification", func(t *testing.T) {
		gen, err := DetectGeneration(nil)
		assert.ErrorIs(t, err, ErrUnrecognizedGeneration)
		assert.Equal(t, models.GenerationUnknown, gen)
	})
}
