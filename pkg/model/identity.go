package model

// Identity is the principal a request is limited and billed against.
// It is an opaque key such as a user ID or an API key ID, assigned by
// the authentication layer and never reinterpreted by the core.
type Identity string

// AnonymousIdentity is used when no authentication layer is configured.
const AnonymousIdentity Identity = "anonymous"

func (x Identity) String() string {
	return string(x)
}
