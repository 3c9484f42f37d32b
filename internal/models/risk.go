package models

// Risk factor labels produced by the device trust evaluator. Human-readable,
// informational only: they never bypass the approval requirement for a new
// device.
const (
	RiskFactorNewDevice          = "new_device"
	RiskFactorNewFingerprint     = "new_fingerprint"
	RiskFactorNewCountry         = "login_from_new_country"
	RiskFactorImpossibleTravel   = "impossible_travel_speed"
	RiskFactorNewDeviceType      = "unfamiliar_device_type"
	RiskFactorUnusualHour        = "login_at_unusual_hour"
	RiskFactorFingerprintChanged = "fingerprint_changed"
	RiskFactorLocationChanged    = "location_changed"
)

// RiskAssessment is a 0-100 score plus the ordered factors that produced it.
type RiskAssessment struct {
	Score   int
	Factors []string
}

// TrustVerdict is the outcome of evaluating a login's device signals. When
// the device is not trusted, the verdict carries everything needed to open
// an approval workflow. The evaluator never issues tokens itself.
type TrustVerdict struct {
	Trusted    bool
	Suspicious bool // trusted device failing the spoofing check
	Device     *Device
	Risk       RiskAssessment
}
