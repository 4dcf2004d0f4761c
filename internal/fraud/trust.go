package fraud

import (
	"regexp"
)

// AccountProfile carries the identity attributes used by the trust
// heuristic. All fields are optional.
type AccountProfile struct {
	Username  string `json:"username,omitempty"`
	HasPhoto  bool   `json:"hasPhoto,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Premium   bool   `json:"premium,omitempty"`
}

// trustResult is the outcome of the account trust heuristic.
type trustResult struct {
	Score   float64
	Reason  string
	Factors []string
}

// numericSuffix matches throwaway-looking usernames with a long trailing
// digit run.
var numericSuffix = regexp.MustCompile(`\d{5,}$`)

// Account-ID thresholds: IDs below the old threshold belong to accounts
// registered years ago; IDs above the new threshold are freshly minted.
const (
	oldAccountIDThreshold     = 1_000_000_000
	veryNewAccountIDThreshold = 5_000_000_000
)

// accountTrust computes a trust score in [0,1] from profile completeness
// and account age hints. Higher is more trustworthy.
func accountTrust(accountID int64, profile *AccountProfile) trustResult {
	score := 0.0
	var factors []string

	if profile.Username != "" {
		score += 0.15
		factors = append(factors, "has_username")
	}

	if profile.HasPhoto {
		score += 0.15
		factors = append(factors, "has_photo")
	}

	if len(profile.FirstName) > 1 {
		score += 0.05
		factors = append(factors, "has_first_name")
	}
	if len(profile.LastName) > 1 {
		score += 0.05
		factors = append(factors, "has_last_name")
	}

	// Paid/verified accounts are the strongest positive hint.
	if profile.Premium {
		score += 0.30
		factors = append(factors, "is_premium")
	}

	if profile.Username != "" {
		if numericSuffix.MatchString(profile.Username) {
			score -= 0.20
			factors = append(factors, "suspicious_username")
		}
		if len(profile.Username) < 4 {
			score -= 0.10
			factors = append(factors, "short_username")
		}
	}

	if accountID < oldAccountIDThreshold {
		score += 0.20
		factors = append(factors, "old_account_id")
	} else if accountID > veryNewAccountIDThreshold {
		score -= 0.10
		factors = append(factors, "very_new_account_id")
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	var reason string
	switch {
	case score < 0.3:
		reason = "Low trust: new/empty account"
	case score < 0.5:
		reason = "Medium trust: incomplete account profile"
	default:
		reason = "Acceptable trust level"
	}

	return trustResult{Score: score, Reason: reason, Factors: factors}
}
