package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Association set TTLs. Associations are weak "seen together" relations,
// never ownership.
const (
	deviceAccountTTL = 30 * 24 * time.Hour
	phoneDeviceTTL   = 30 * 24 * time.Hour
	deviceIPTTL      = 7 * 24 * time.Hour

	// ipHopThreshold is the distinct-IP count past which a new IP for a
	// known device reads as hopping.
	ipHopThreshold = 5
)

// correlationSignals maintains the three association sets and emits
// signals when new, unexpected associations appear. Each set is checked
// before the current member is written, so a first occurrence never
// signals against itself.
func (s *Service) correlationSignals(ctx context.Context, accountKey, ipHash, deviceHash, phoneHash string) []domain.FraudSignal {
	var signals []domain.FraudSignal

	// Device seen with other accounts.
	if deviceHash != "" {
		key := keyDeviceAccounts(deviceHash)
		seen, err := s.store.SetMembers(ctx, key)
		if err != nil {
			s.logOmitted("device_accounts", err)
		} else {
			if len(seen) > 0 && !contains(seen, accountKey) {
				signals = append(signals, domain.NewSignal(
					domain.SignalMultipleAccounts,
					domain.RiskHigh,
					0.85,
					fmt.Sprintf("Device used with %d other accounts", len(seen)),
					map[string]any{"other_accounts": len(seen)},
				))
			}
			if err := s.store.SetAdd(ctx, key, accountKey, deviceAccountTTL); err != nil {
				s.logOmitted("device_accounts", err)
			}
		}
	}

	// Phone seen with other devices (SIM swapping, account farms).
	if phoneHash != "" && deviceHash != "" {
		key := keyPhoneDevices(phoneHash)
		seen, err := s.store.SetMembers(ctx, key)
		if err != nil {
			s.logOmitted("phone_devices", err)
		} else {
			if len(seen) > 0 && !contains(seen, deviceHash) {
				signals = append(signals, domain.NewSignal(
					domain.SignalMultipleAccounts,
					domain.RiskMedium,
					0.6,
					fmt.Sprintf("Phone number used from %d different devices", len(seen)),
					map[string]any{"device_count": len(seen)},
				))
			}
			if err := s.store.SetAdd(ctx, key, deviceHash, phoneDeviceTTL); err != nil {
				s.logOmitted("phone_devices", err)
			}
		}
	}

	// Device seen from many IPs (VPN hopping).
	if deviceHash != "" {
		key := keyDeviceIPs(deviceHash)
		seen, err := s.store.SetMembers(ctx, key)
		if err != nil {
			s.logOmitted("device_ips", err)
		} else {
			if len(seen) >= ipHopThreshold && !contains(seen, ipHash) {
				signals = append(signals, domain.NewSignal(
					domain.SignalSuspiciousIP,
					domain.RiskMedium,
					0.5,
					fmt.Sprintf("Device seen from %d+ different IPs (VPN hopping?)", len(seen)),
					map[string]any{"ip_count": len(seen)},
				))
			}
			if err := s.store.SetAdd(ctx, key, ipHash, deviceIPTTL); err != nil {
				s.logOmitted("device_ips", err)
			}
		}
	}

	return signals
}

func contains(members []string, value string) bool {
	for _, m := range members {
		if m == value {
			return true
		}
	}
	return false
}
