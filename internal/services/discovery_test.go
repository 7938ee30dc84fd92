package services

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/smartplug-telemetry/internal/models"
)

func TestStartScanValidation(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDiscoveryService(db, nil)
	defer svc.Shutdown()

	t.Run("Rejects invalid CIDR", func(t *testing.T) {
		_, err := svc.StartScan(context.Background(), "not-a-cidr")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid CIDR")
	})

	t.Run("Rejects more than max concurrent scans", func(t *testing.T) {
		// Mark the limit's worth of scans as running without launching real sweeps
		svc.mu.Lock()
		for i := 0; i < svc.maxConcurrent; i++ {
			id := "running-" + string(rune('a'+i))
			svc.scans[id] = &ScanProgress{ID: id, Status: "scanning"}
		}
		svc.mu.Unlock()

		_, err := svc.StartScan(context.Background(), "192.168.1.0/24")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maximum concurrent scans")
	})
}

func TestScanProgressAndCancel(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDiscoveryService(db, nil)
	defer svc.Shutdown()

	t.Run("Unknown scan ID", func(t *testing.T) {
		_, err := svc.GetScanProgress("missing")
		require.Error(t, err)

		err = svc.CancelScan("missing")
		require.Error(t, err)
	})

	t.Run("Cancel flips a running scan to cancelled", func(t *testing.T) {
		_, cancel := context.WithCancel(context.Background())
		svc.mu.Lock()
		svc.scans["scan-1"] = &ScanProgress{ID: "scan-1", Status: "scanning", StartedAt: time.Now()}
		svc.cancelFuncs["scan-1"] = cancel
		svc.mu.Unlock()

		require.NoError(t, svc.CancelScan("scan-1"))

		progress, err := svc.GetScanProgress("scan-1")
		require.NoError(t, err)
		assert.Equal(t, "cancelled", progress.Status)
		require.NotNil(t, progress.CompletedAt)

		// A second cancel is an error, the scan is no longer running
		require.Error(t, svc.CancelScan("scan-1"))
	})
}

func TestGenerateIPList(t *testing.T) {
	svc := &DiscoveryService{}

	t.Run("Trims network and broadcast addresses", func(t *testing.T) {
		ips, err := svc.generateIPList("192.168.1.0/30")
		require.NoError(t, err)
		assert.Equal(t, []string{"192.168.1.1", "192.168.1.2"}, ips)
	})

	t.Run("Single-host range kept as-is", func(t *testing.T) {
		ips, err := svc.generateIPList("10.0.0.5/32")
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.5"}, ips)
	})

	t.Run("Invalid CIDR", func(t *testing.T) {
		_, err := svc.generateIPList("256.0.0.0/8")
		require.Error(t, err)
	})
}

func TestIsPrivateIP(t *testing.T) {
	assert.True(t, isPrivateIP(net.ParseIP("192.168.1.10")))
	assert.True(t, isPrivateIP(net.ParseIP("10.42.0.1")))
	assert.True(t, isPrivateIP(net.ParseIP("172.16.0.1")))
	assert.False(t, isPrivateIP(net.ParseIP("172.32.0.1")))
	assert.False(t, isPrivateIP(net.ParseIP("8.8.8.8")))
}

func TestProbePlug(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDiscoveryService(db, nil)
	defer svc.Shutdown()

	t.Run("Modern firmware info document", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/shelly", r.URL.Path)
			w.Write([]byte(`{"name":"plug","id":"shellyplusplugs-abc","mac":"AA:BB:CC:DD:EE:01","model":"SNPL-00112EU","gen":2,"ver":"1.0.8","auth_en":true}`))
		}))
		defer server.Close()

		plug := svc.probePlug(context.Background(), strings.TrimPrefix(server.URL, "http://"))
		require.NotNil(t, plug)
		assert.Equal(t, models.Generation2, plug.Generation)
		assert.Equal(t, "SNPL-00112EU", plug.Model)
		assert.Equal(t, "1.0.8", plug.FirmwareVersion)
		assert.Equal(t, "AA:BB:CC:DD:EE:01", plug.MACAddress)
		assert.True(t, plug.AuthRequired)
		assert.False(t, plug.AlreadyAdded)
	})

	t.Run("Legacy firmware type and mac blob", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"type":"SHPLG-S","mac":"AABBCCDDEE02","fw":"20230913-112003","auth":false,"num_outputs":1}`))
		}))
		defer server.Close()

		plug := svc.probePlug(context.Background(), strings.TrimPrefix(server.URL, "http://"))
		require.NotNil(t, plug)
		assert.Equal(t, models.Generation1, plug.Generation)
		assert.Equal(t, "SHPLG-S", plug.Model)
		assert.Equal(t, "20230913-112003", plug.FirmwareVersion)
		assert.False(t, plug.AuthRequired)
	})

	t.Run("Non-plug host is skipped", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"server":"nginx"}`))
		}))
		defer server.Close()

		assert.Nil(t, svc.probePlug(context.Background(), strings.TrimPrefix(server.URL, "http://")))
	})

	t.Run("Error status is skipped", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		assert.Nil(t, svc.probePlug(context.Background(), strings.TrimPrefix(server.URL, "http://")))
	})
}

func TestIsPlugAlreadyAdded(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Create(&models.Device{
		SystemID:     "sys-1",
		DeviceID:     "plug-1",
		CredentialID: "cred-1",
		Name:         "Sterilizer plug",
		DeviceIP:     "192.168.1.50",
		MAC:          "AA:BB:CC:DD:EE:01",
	}).Error)

	svc := NewDiscoveryService(db, nil)
	defer svc.Shutdown()

	assert.True(t, svc.isPlugAlreadyAdded("192.168.1.50", ""))
	assert.True(t, svc.isPlugAlreadyAdded("192.168.1.99", "AA:BB:CC:DD:EE:01"))
	assert.False(t, svc.isPlugAlreadyAdded("192.168.1.99", "AA:BB:CC:DD:EE:99"))
}
