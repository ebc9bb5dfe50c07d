package replication

import (
	"github.com/google/uuid"

	"github.com/nimbusscm/rm/pkg/scm"
)

// tokenGenerator mints opaque per-command container tokens: no expiry
// or role, just a fresh uuid per call.
type tokenGenerator struct{}

// NewContainerTokenGenerator creates an scm.ContainerTokenGenerator.
func NewContainerTokenGenerator() scm.ContainerTokenGenerator {
	return tokenGenerator{}
}

// NextToken implements scm.ContainerTokenGenerator.
func (tokenGenerator) NextToken() string {
	return uuid.NewString()
}
