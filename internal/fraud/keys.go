package fraud

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashIdentifier returns the sha256 hex digest of an identifier.
// Raw IPs and account identifiers are hashed before storage or logging.
func HashIdentifier(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// DeviceHashFromHeaders derives a coarse device hash from request
// headers when the client sent no explicit fingerprint. Returns "" when
// every component is empty.
func DeviceHashFromHeaders(userAgent, acceptLanguage, screen, timezone string) string {
	if userAgent == "" && acceptLanguage == "" && screen == "" && timezone == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userAgent + "|" + acceptLanguage + "|" + screen + "|" + timezone))
	return hex.EncodeToString(sum[:])[:32]
}

// truncate shortens a hash for log output.
func truncate(hash string) string {
	if len(hash) > 8 {
		return hash[:8] + "..."
	}
	return hash
}

// Persisted key layout. All keys are TTL-scoped and live under the store's
// global prefix.
func keyDemoIP(ipHash string) string         { return "demo:ip:" + ipHash }
func keyDemoDevice(fp string) string         { return "demo:device:" + fp }
func keyDemoPhone(phoneHash string) string   { return "demo:phone:" + phoneHash }
func keyDemoAccount(accountID string) string { return "demo:account:" + accountID }

func keyPayments(userID string) string       { return "payments:" + userID }
func keyFailedPayments(userID string) string { return "failed_payments:" + userID }
func keyRegistrationIP(userID string) string { return "registration_ip:" + userID }

func keyDeviceAccounts(fp string) string      { return "device_accounts:" + fp }
func keyPhoneDevices(phoneHash string) string { return "phone_devices:" + phoneHash }
func keyDeviceIPs(fp string) string           { return "device_ips:" + fp }
