package pop3

import (
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/migadu/popd/identity"
)

// saslMechanisms lists the AUTH mechanisms the session may use right now.
func (s *POP3Session) saslMechanisms() []string {
	var mechs []string
	if s.allowCleartextLogins() {
		mechs = append(mechs, sasl.Plain)
	}
	if s.server.gssapiEnabled() {
		mechs = append(mechs, identity.MechanismGSSAPI)
	}
	return mechs
}

// capabilities builds the CAPA listing (RFC 2449) for the current state.
func (s *POP3Session) capabilities() []string {
	caps := []string{"TOP", "USER", "UIDL"}
	if !s.tlsActive && s.transport.tlsAvailable() {
		caps = append(caps, "STLS")
	}
	if mechs := s.saslMechanisms(); len(mechs) > 0 {
		caps = append(caps, "SASL "+strings.Join(mechs, " "))
	}
	switch {
	case s.state != stateTransaction:
		caps = append(caps, fmt.Sprintf("EXPIRE %d USER", minExpireDays))
	case s.expireDays == 0:
		caps = append(caps, "EXPIRE NEVER")
	default:
		caps = append(caps, fmt.Sprintf("EXPIRE %d", s.expireDays))
	}
	if s.server.implementation != "" {
		caps = append(caps, "IMPLEMENTATION "+s.server.implementation)
	}
	return caps
}

func (s *POP3Session) cmdCapa(string) error {
	if err := s.sendOKNoFlush("Capability list follows"); err != nil {
		return err
	}
	for _, c := range s.capabilities() {
		if err := s.sendLine(c, false); err != nil {
			return err
		}
	}
	return s.sendLine(".", true)
}
