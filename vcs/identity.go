package vcs

import (
	"fmt"
	"net"
	"strconv"
)

// AuthMethod selects how a session proves its identity to the server.
type AuthMethod string

const (
	// AuthPassword authenticates with a password supplied by the credential store.
	AuthPassword AuthMethod = "password"
	// AuthTicket authenticates with an existing login ticket.
	AuthTicket AuthMethod = "ticket"
	// AuthEnv defers to the environment of the process (P4CONFIG style files, env vars).
	AuthEnv AuthMethod = "env"
)

// Valid reports whether m is one of the known auth methods.
func (m AuthMethod) Valid() bool {
	switch m {
	case AuthPassword, AuthTicket, AuthEnv:
		return true
	}
	return false
}

// ServerIdentity uniquely identifies a logical server together with the user
// and auth method used to reach it. It is comparable and is used directly as a
// map key; two identities are the same server when all fields are equal.
type ServerIdentity struct {
	Protocol   string     `json:"protocol" yaml:"protocol"`
	Host       string     `json:"host" yaml:"host"`
	Port       int        `json:"port" yaml:"port"`
	AuthMethod AuthMethod `json:"auth" yaml:"auth"`
	Username   string     `json:"user,omitempty" yaml:"user,omitempty"`
}

// Address returns the dialable host:port pair.
func (id ServerIdentity) Address() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

func (id ServerIdentity) String() string {
	proto := id.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%s://%s (%s, %s)", proto, id.Address(), id.Username, id.AuthMethod)
}

// Credentials carries the secret presented to Session.Authenticate.
type Credentials struct {
	Secret []byte
}

// Clear zeroes the secret in place. Callers clear credentials once the
// session has consumed them.
func (c *Credentials) Clear() {
	if c == nil {
		return
	}
	for i := range c.Secret {
		c.Secret[i] = 0
	}
	c.Secret = nil
}

// Clone returns a deep copy so that clearing one copy does not affect the other.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	return &Credentials{Secret: append([]byte(nil), c.Secret...)}
}
