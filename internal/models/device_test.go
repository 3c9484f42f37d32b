package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingDevice(t *testing.T) Device {
	t.Helper()
	expires := time.Now().Add(30 * time.Minute)
	d := Device{
		ID:          "dev-1",
		PrincipalID: "prin-1",
		DeviceID:    "client-abc",
		Fingerprint: "fp-1",
		Status:      DeviceStatusPendingApproval,
	}
	return WithPendingApproval(d, "token-hash", "code-hash", expires, RiskAssessment{
		Score:   70,
		Factors: []string{RiskFactorNewDevice},
	})
}

func TestWithPendingApproval_SetsCredentialsAndRisk(t *testing.T) {
	d := pendingDevice(t)

	assert.Equal(t, DeviceStatusPendingApproval, d.Status)
	require.NotNil(t, d.ApprovalTokenHash)
	require.NotNil(t, d.ApprovalCodeHash)
	assert.Equal(t, "token-hash", *d.ApprovalTokenHash)
	assert.Equal(t, "code-hash", *d.ApprovalCodeHash)
	assert.Equal(t, 0, d.ApprovalAttempts)
	assert.Equal(t, 70, d.RiskScore)
	assert.Equal(t, []string{RiskFactorNewDevice}, d.RiskFactors)
}

func TestWithTrusted_ClearsApprovalCredentials(t *testing.T) {
	d := pendingDevice(t)
	d.ApprovalAttempts = 2

	trusted := WithTrusted(d)

	assert.Equal(t, DeviceStatusTrusted, trusted.Status)
	assert.Nil(t, trusted.ApprovalTokenHash)
	assert.Nil(t, trusted.ApprovalCodeHash)
	assert.Nil(t, trusted.ApprovalExpiresAt)
	assert.Equal(t, 0, trusted.ApprovalAttempts)

	// input untouched: transitions are pure
	assert.Equal(t, DeviceStatusPendingApproval, d.Status)
	assert.NotNil(t, d.ApprovalTokenHash)
}

func TestWithRevoked_ClearsApprovalCredentials(t *testing.T) {
	d := pendingDevice(t)

	revoked := WithRevoked(d)

	assert.Equal(t, DeviceStatusRevoked, revoked.Status)
	assert.Nil(t, revoked.ApprovalTokenHash)
	assert.Nil(t, revoked.ApprovalCodeHash)
	assert.Nil(t, revoked.ApprovalExpiresAt)
}

func TestWithNewApprovalSecrets_KeepsRiskAndResetsAttempts(t *testing.T) {
	d := pendingDevice(t)
	d.ApprovalAttempts = 3

	newExpiry := time.Now().Add(30 * time.Minute)
	resent := WithNewApprovalSecrets(d, "new-token-hash", "new-code-hash", newExpiry)

	assert.Equal(t, "new-token-hash", *resent.ApprovalTokenHash)
	assert.Equal(t, "new-code-hash", *resent.ApprovalCodeHash)
	assert.Equal(t, 0, resent.ApprovalAttempts)
	assert.Equal(t, 70, resent.RiskScore)
	assert.Equal(t, []string{RiskFactorNewDevice}, resent.RiskFactors)
}

func TestWithFailedApprovalAttempt_Increments(t *testing.T) {
	d := pendingDevice(t)

	d = WithFailedApprovalAttempt(d)
	d = WithFailedApprovalAttempt(d)

	assert.Equal(t, 2, d.ApprovalAttempts)
}

func TestIsApprovalExpired(t *testing.T) {
	d := pendingDevice(t)
	assert.False(t, d.IsApprovalExpired(time.Now()))
	assert.True(t, d.IsApprovalExpired(time.Now().Add(31*time.Minute)))

	d.ApprovalExpiresAt = nil
	assert.True(t, d.IsApprovalExpired(time.Now()))
}
