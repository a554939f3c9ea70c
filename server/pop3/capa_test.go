package pop3

import (
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (c *testClient) capa() []string {
	c.t.Helper()
	require.Equal(c.t, "+OK Capability list follows", c.cmd("CAPA"))
	return c.readMultiline()
}

func TestCapaBeforeLogin(t *testing.T) {
	srv, _, _ := newMailboxFixture(t, POP3ServerOptions{Implementation: "popd"})
	c := connect(t, srv)

	assert.Equal(t, []string{"TOP", "USER", "UIDL", "SASL PLAIN", "EXPIRE 31 USER", "IMPLEMENTATION popd"}, c.capa())
}

func TestCapaExpireAfterLogin(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		name     string
		lifetime time.Duration
		want     string
	}{
		{"unlimited", 0, "EXPIRE NEVER"},
		{"short lifetime rounded up", 10 * day, "EXPIRE 31"},
		{"long lifetime", 60 * day, "EXPIRE 60"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, provider, _ := newMailboxFixture(t, POP3ServerOptions{})
			provider.accounts["alice"].account.MessageLifetime = tt.lifetime
			c := connect(t, srv)
			c.login("alice", "secret")

			assert.Equal(t, []string{"TOP", "USER", "UIDL", "SASL PLAIN", tt.want}, c.capa())
		})
	}
}

func TestCapaTLS(t *testing.T) {
	serverTLS, clientTLS := generateTestTLS(t)
	srv, _, _ := newMailboxFixture(t, POP3ServerOptions{TLSConfig: serverTLS})
	c := connect(t, srv)

	// Cleartext logins are refused before the upgrade, so no SASL line.
	assert.Equal(t, []string{"TOP", "USER", "UIDL", "STLS", "EXPIRE 31 USER"}, c.capa())

	c.startTLS(clientTLS)
	assert.Equal(t, []string{"TOP", "USER", "UIDL", "SASL PLAIN", "EXPIRE 31 USER"}, c.capa())
}

func TestCapaAdvertisesGSSAPI(t *testing.T) {
	srv, _, _ := newMailboxFixture(t, POP3ServerOptions{
		SASLGSSAPIEnabled:   true,
		GSSAPIServerFactory: func(a GSSAPIAuthenticator) sasl.Server { return &fakeGSSAPI{authenticate: a} },
	})
	c := connect(t, srv)

	assert.Contains(t, c.capa(), "SASL PLAIN GSSAPI")
}
