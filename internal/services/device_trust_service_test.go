package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklatt/bastion/internal/geo"
	"github.com/mklatt/bastion/internal/models"
)

const chromeOnMacUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func testResolver() *geo.StaticResolver {
	return &geo.StaticResolver{
		Table: map[string]geo.Location{
			"82.0.0.1":  {Country: "GB", City: "London", Latitude: 51.5072, Longitude: -0.1276},
			"82.0.0.2":  {Country: "GB", City: "London", Latitude: 51.5072, Longitude: -0.1276},
			"203.0.0.1": {Country: "JP", City: "Tokyo", Latitude: 35.6762, Longitude: 139.6503},
		},
	}
}

func trustedDevice(updatedAt time.Time) *models.Device {
	return &models.Device{
		ID:          "device-row-1",
		PrincipalID: "principal-1",
		DeviceID:    "client-dev-1",
		Fingerprint: "fp-1",
		Status:      models.DeviceStatusTrusted,
		LastIP:      "82.0.0.1",
		LastCountry: "GB",
		LastCity:    "London",
		DeviceType:  "desktop",
		UpdatedAt:   updatedAt,
	}
}

func TestDeviceTrustEvaluator_NewDeviceAlwaysRequiresApproval(t *testing.T) {
	devices := &MockDeviceRepository{}
	eval := NewDeviceTrustEvaluator(devices, testResolver(), testLogger())

	p := &models.Principal{ID: "principal-1"}
	verdict, err := eval.Evaluate(context.Background(), p, DeviceSignals{
		DeviceID:    "client-dev-1",
		Fingerprint: "fp-1",
		IP:          "82.0.0.1",
		UserAgent:   chromeOnMacUA,
	})
	require.NoError(t, err)

	assert.False(t, verdict.Trusted)
	assert.False(t, verdict.Suspicious)
	assert.Contains(t, verdict.Risk.Factors, models.RiskFactorNewDevice)
	assert.Greater(t, verdict.Risk.Score, 0)
}

func TestDeviceTrustEvaluator_TrustedConsistentDeviceProceeds(t *testing.T) {
	existing := trustedDevice(time.Now().Add(-time.Hour))
	var updated *models.Device

	devices := &MockDeviceRepository{
		GetTrustedFunc: func(ctx context.Context, principalID, deviceID, fingerprint string) (*models.Device, error) {
			return existing, nil
		},
		UpdateFunc: func(ctx context.Context, d *models.Device) error {
			updated = d
			return nil
		},
	}
	eval := NewDeviceTrustEvaluator(devices, testResolver(), testLogger())

	p := &models.Principal{ID: "principal-1"}
	verdict, err := eval.Evaluate(context.Background(), p, DeviceSignals{
		DeviceID:    "client-dev-1",
		Fingerprint: "fp-1",
		IP:          "82.0.0.2",
		UserAgent:   chromeOnMacUA,
	})
	require.NoError(t, err)

	assert.True(t, verdict.Trusted)
	require.NotNil(t, updated)
	assert.Equal(t, "82.0.0.2", updated.LastIP, "last-seen refreshed on trusted login")
}

func TestDeviceTrustEvaluator_ImpossibleTravelDemotesTrustedDevice(t *testing.T) {
	// Seen in London ten minutes ago, now logging in from Tokyo.
	existing := trustedDevice(time.Now().Add(-10 * time.Minute))

	devices := &MockDeviceRepository{
		GetTrustedFunc: func(ctx context.Context, principalID, deviceID, fingerprint string) (*models.Device, error) {
			return existing, nil
		},
	}
	eval := NewDeviceTrustEvaluator(devices, testResolver(), testLogger())

	p := &models.Principal{ID: "principal-1"}
	verdict, err := eval.Evaluate(context.Background(), p, DeviceSignals{
		DeviceID:    "client-dev-1",
		Fingerprint: "fp-1",
		IP:          "203.0.0.1",
		UserAgent:   chromeOnMacUA,
	})
	require.NoError(t, err)

	assert.False(t, verdict.Trusted)
	assert.True(t, verdict.Suspicious)
	assert.Contains(t, verdict.Risk.Factors, models.RiskFactorLocationChanged)
	assert.Contains(t, verdict.Risk.Factors, models.RiskFactorImpossibleTravel)
	assert.Same(t, existing, verdict.Device, "verdict carries the demoted device")
}

func TestDeviceTrustEvaluator_PlausibleTravelStaysTrusted(t *testing.T) {
	// Seen in London two days ago; Tokyo is reachable in that time.
	existing := trustedDevice(time.Now().Add(-48 * time.Hour))

	devices := &MockDeviceRepository{
		GetTrustedFunc: func(ctx context.Context, principalID, deviceID, fingerprint string) (*models.Device, error) {
			return existing, nil
		},
	}
	eval := NewDeviceTrustEvaluator(devices, testResolver(), testLogger())

	p := &models.Principal{ID: "principal-1"}
	verdict, err := eval.Evaluate(context.Background(), p, DeviceSignals{
		DeviceID:    "client-dev-1",
		Fingerprint: "fp-1",
		IP:          "203.0.0.1",
		UserAgent:   chromeOnMacUA,
	})
	require.NoError(t, err)

	assert.True(t, verdict.Trusted)
	assert.False(t, verdict.Suspicious)
}

func TestDeviceTrustEvaluator_UnresolvableOriginStaysTrusted(t *testing.T) {
	// Last seen from an address the resolver has no fix for. The country
	// still changed, but without a known origin there is no velocity to
	// measure, and missing location data alone never demotes the device.
	existing := trustedDevice(time.Now().Add(-10 * time.Minute))
	existing.LastIP = "198.51.100.7"

	devices := &MockDeviceRepository{
		GetTrustedFunc: func(ctx context.Context, principalID, deviceID, fingerprint string) (*models.Device, error) {
			return existing, nil
		},
		UpdateFunc: func(ctx context.Context, d *models.Device) error { return nil },
	}
	eval := NewDeviceTrustEvaluator(devices, testResolver(), testLogger())

	p := &models.Principal{ID: "principal-1"}
	verdict, err := eval.Evaluate(context.Background(), p, DeviceSignals{
		DeviceID:    "client-dev-1",
		Fingerprint: "fp-1",
		IP:          "203.0.0.1",
		UserAgent:   chromeOnMacUA,
	})
	require.NoError(t, err)

	assert.True(t, verdict.Trusted)
	assert.False(t, verdict.Suspicious)
	assert.NotContains(t, verdict.Risk.Factors, models.RiskFactorImpossibleTravel)
}

func TestDeviceTrustEvaluator_FingerprintChangeScoresHigher(t *testing.T) {
	known := []*models.Device{trustedDevice(time.Now().Add(-time.Hour))}

	devices := &MockDeviceRepository{
		ListByPrincipalFunc: func(ctx context.Context, principalID string) ([]*models.Device, error) {
			return known, nil
		},
	}
	eval := NewDeviceTrustEvaluator(devices, testResolver(), testLogger())

	p := &models.Principal{ID: "principal-1"}
	// Same client identifier, different fingerprint.
	verdict, err := eval.Evaluate(context.Background(), p, DeviceSignals{
		DeviceID:    "client-dev-1",
		Fingerprint: "fp-other",
		IP:          "82.0.0.1",
		UserAgent:   chromeOnMacUA,
	})
	require.NoError(t, err)

	assert.False(t, verdict.Trusted)
	assert.Contains(t, verdict.Risk.Factors, models.RiskFactorFingerprintChanged)
	assert.NotContains(t, verdict.Risk.Factors, models.RiskFactorNewFingerprint)
}

func TestDeviceTrustEvaluator_NewCountryFlagged(t *testing.T) {
	known := []*models.Device{trustedDevice(time.Now().Add(-30 * 24 * time.Hour))}

	devices := &MockDeviceRepository{
		ListByPrincipalFunc: func(ctx context.Context, principalID string) ([]*models.Device, error) {
			return known, nil
		},
	}
	eval := NewDeviceTrustEvaluator(devices, testResolver(), testLogger())

	p := &models.Principal{ID: "principal-1"}
	verdict, err := eval.Evaluate(context.Background(), p, DeviceSignals{
		DeviceID:    "client-dev-2",
		Fingerprint: "fp-2",
		IP:          "203.0.0.1",
		UserAgent:   chromeOnMacUA,
	})
	require.NoError(t, err)

	assert.Contains(t, verdict.Risk.Factors, models.RiskFactorNewCountry)
	// A month since the last sighting: travel is plausible, no velocity flag.
	assert.NotContains(t, verdict.Risk.Factors, models.RiskFactorImpossibleTravel)
}

func TestDeviceTrustEvaluator_ReusesPendingRow(t *testing.T) {
	pending := &models.Device{
		ID:          "device-row-9",
		PrincipalID: "principal-1",
		DeviceID:    "client-dev-9",
		Status:      models.DeviceStatusPendingApproval,
	}

	devices := &MockDeviceRepository{
		GetPendingFunc: func(ctx context.Context, principalID, deviceID string) (*models.Device, error) {
			return pending, nil
		},
	}
	eval := NewDeviceTrustEvaluator(devices, testResolver(), testLogger())

	p := &models.Principal{ID: "principal-1"}
	verdict, err := eval.Evaluate(context.Background(), p, DeviceSignals{
		DeviceID:    "client-dev-9",
		Fingerprint: "fp-9",
		IP:          "82.0.0.1",
		UserAgent:   chromeOnMacUA,
	})
	require.NoError(t, err)

	assert.False(t, verdict.Trusted)
	assert.Same(t, pending, verdict.Device)
}
