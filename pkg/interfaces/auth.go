package interfaces

import "podium/pkg/types"

// CredentialResolver turns a bearer credential into a verified actor
type CredentialResolver interface {
	Resolve(token string) (types.Actor, error)
}
