package handlers

import (
	"net/http"
	"strings"

	"github.com/juju/errors"
)

// ErrUnauthenticated reports a request without a usable owner identity.
const ErrUnauthenticated = errors.ConstError("authentication required")

// OwnerHeader carries the owner id set by the upstream auth gateway.
const OwnerHeader = "X-Owner-ID"

// Authenticator resolves the owner a request acts for.
type Authenticator interface {
	Owner(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts OwnerHeader. It must only be exposed behind a
// gateway that strips the header from client requests.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Owner(r *http.Request) (string, error) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		return "", ErrUnauthenticated
	}
	return owner, nil
}
