// Package network implements the voidnet overlay: the mutual handshake that
// authenticates peers, the gossip pipeline that floods messages with
// bounded-memory deduplication, and the network map every node converges on.
package network

import (
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// Identity is how a node names itself to its peers.
type Identity struct {
	Scheme   string `json:"scheme,omitempty"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	ID       string `json:"id"`
}

// NewIdentity returns an identity with a freshly generated id.
func NewIdentity(scheme, hostname string, port int) Identity {
	return Identity{
		Scheme:   scheme,
		Hostname: hostname,
		Port:     port,
		ID:       uuid.NewString(),
	}
}

// URI returns the address peers dial to reach this identity.
func (i Identity) URI() string {
	return fmt.Sprintf("%s://%s", i.Scheme, net.JoinHostPort(i.Hostname, strconv.Itoa(i.Port)))
}

// Validate checks that the identity is complete and its id well formed.
func (i Identity) Validate() error {
	if !ValidID(i.ID) {
		return fmt.Errorf("%w: malformed id %q", ErrInvalidIdentity, i.ID)
	}
	if i.Hostname == "" {
		return fmt.Errorf("%w: empty hostname", ErrInvalidIdentity)
	}
	if i.Port < 0 || i.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidIdentity, i.Port)
	}
	return nil
}

func (i Identity) String() string {
	return fmt.Sprintf("%s@%s", i.ID, i.URI())
}

// ValidID reports whether s is a canonical UUID string.
func ValidID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// HandshakeDatum is an identity together with the secret of one handshake
// attempt, or with the outcome of one in handshake-result events.
type HandshakeDatum struct {
	Identity
	Data string `json:"data"`
}

const (
	resultSuccess = "success"
	resultFail    = "fail"
)
