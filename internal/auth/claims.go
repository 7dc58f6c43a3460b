package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for this service. The
// token carries a single capability: admin access to mutation endpoints.
// Read endpoints and ingest are never authenticated here.
type Claims struct {
	jwt.RegisteredClaims

	Admin bool `json:"admin"`
}
