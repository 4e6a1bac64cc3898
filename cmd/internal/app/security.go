package app

import (
	"errors"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/security/token"
)

// ValidateSecurityConfig enforces the robot's security policy at startup.
// Fail-fast: a misconfigured production deployment must not come up with
// weaker auth than the operator asked for.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.RequireAuth {
		if cfg.AccessToken == "" {
			return errors.New("security policy: ROBOT_REQUIRE_AUTH=true but ROBOT_ACCESS_TOKEN is missing")
		}
		if cfg.AdminToken == "" {
			return errors.New("security policy: ROBOT_REQUIRE_AUTH=true but ROBOT_ADMIN_TOKEN is missing")
		}
	}

	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Minimum 32 bytes for an HMAC-SHA256 secret. Bytes, not runes: the key
	// is used as raw bytes.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: ROBOT_REQUIRE_TOKEN_HMAC=true but ROBOT_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: ROBOT_REQUIRE_TOKEN_HMAC=true but ROBOT_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: ROBOT_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
