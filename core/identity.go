package core

import (
	"time"
)

// Role is a coarse permission granted to an authenticated caller.
type Role string

const (
	// RoleReader may ingest events, read rules and alerts and run simulations.
	RoleReader Role = "reader"
	// RoleAdmin may additionally change rules and alert status.
	RoleAdmin Role = "admin"
)

// AnonymousSubject is logged for requests that never produced an Identity.
const AnonymousSubject = "anonymous"

// Identity is a verified caller principal. It is built once by the token
// validator and never modified afterwards.
type Identity struct {
	Subject   string    `json:"subject"`
	Roles     []Role    `json:"roles"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasRole reports whether the identity carries role.
func (id *Identity) HasRole(role Role) bool {
	if id == nil {
		return false
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SubjectOrAnonymous returns the subject for logging.
func (id *Identity) SubjectOrAnonymous() string {
	if id == nil || id.Subject == "" {
		return AnonymousSubject
	}
	return id.Subject
}

// RateKey identifies one token bucket: a caller (subject, or "ip:<addr>" for
// unauthenticated callers) within a route class.
type RateKey struct {
	Subject string
	Class   string
}

// String renders the key as "class|subject". It is used for shard hashing and
// as the Redis key suffix.
func (k RateKey) String() string {
	return k.Class + "|" + k.Subject
}

// IPSubject builds the subject used for callers without an identity.
func IPSubject(ip string) string {
	return "ip:" + ip
}
