package device

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/galaxycore/constellation/pkg/errs"
)

// registerClaims is the narrow claim set a register frame's bearer
// token carries: just enough to bind one signature to one device_id,
// unlike the teacher's pkg/auth JWTService (user/role/permission
// claims for its HTTP API). Verification only runs here — this core
// never issues tokens, it authenticates ones issued out of band by
// whatever provisions a device.
type registerClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// verifyRegisterToken checks that token is a validly-signed HMAC JWT
// for deviceID under secret, per §4.3's register handshake: the secret
// is configured per device (DeviceSpec.AuthSecret), so a compromised
// endpoint cannot claim a different device_id without also holding
// that device's secret.
func verifyRegisterToken(token, secret, deviceID string) error {
	if token == "" {
		return errs.New(errs.CategoryDevice, errs.KindAuthRejected, "register", "missing token for "+deviceID)
	}
	parsed, err := jwt.ParseWithClaims(token, &registerClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return errs.Wrap(errs.CategoryDevice, errs.KindAuthRejected, "register", "token verification failed for "+deviceID, err)
	}
	claims, ok := parsed.Claims.(*registerClaims)
	if !ok || !parsed.Valid {
		return errs.New(errs.CategoryDevice, errs.KindAuthRejected, "register", "invalid token claims for "+deviceID)
	}
	if claims.DeviceID != deviceID {
		return errs.New(errs.CategoryDevice, errs.KindAuthRejected, "register", "token device_id mismatch for "+deviceID)
	}
	return nil
}

// SignRegisterToken issues a register token for deviceID under secret.
// Production devices are provisioned out of band; this is exported so
// an operator's provisioning tool (or a test) can produce a token this
// package's own verifier accepts.
func SignRegisterToken(secret, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := registerClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}
