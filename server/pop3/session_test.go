package pop3

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/migadu/popd/identity"
	"github.com/stretchr/testify/assert"
)

const (
	testMessage1 = "From: a@example.com\r\nSubject: one\r\n\r\nHello\r\n.hidden dot\r\nBye\r\n"
	testMessage2 = "From: b@example.com\nSubject: two\n\nSecond\n"
	testMessage3 = "Subject: three\r\n\r\nThird\r\n"
)

// newMailboxFixture returns a server with alice (password "secret") owning
// three messages.
func newMailboxFixture(t *testing.T, options POP3ServerOptions) (*POP3Server, *fakeProvider, *fakeStore) {
	t.Helper()
	provider := newFakeProvider()
	provider.add("alice", "secret", 1)
	store := newFakeStore()
	store.addMessage(1, testMessage1)
	store.addMessage(1, testMessage2)
	store.addMessage(1, testMessage3)
	if !options.ImplicitTLS && options.TLSConfig == nil {
		options.AllowCleartextLogins = true
	}
	return newTestServer(t, provider, store, options), provider, store
}

func TestGreetingUsesBanner(t *testing.T) {
	srv, _, _ := newMailboxFixture(t, POP3ServerOptions{Banner: "popd ready"})
	c := connect(t, srv)
	assert.Equal(t, "+OK popd ready", c.greeting)

	srv, _, _ = newMailboxFixture(t, POP3ServerOptions{})
	assert.Equal(t, "+OK POP3 server ready", connect(t, srv).greeting)
}

func TestUserPassScenario(t *testing.T) {
	srv, provider, _ := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)

	assert.Equal(t, "+OK hello alice, please enter your password", c.cmd("USER alice"))
	assert.Equal(t, "-ERR invalid username/password", c.cmd("PASS wrong"))
	assert.Equal(t, "-ERR this command is only valid after a login", c.cmd("STAT"), "still in AUTHORIZATION")
	assert.Equal(t, "+OK server ready", c.cmd("PASS secret"))
	assert.Equal(t, "+OK 3 "+itoa(len(testMessage1)+len(testMessage2)+len(testMessage3)), c.cmd("STAT"))
	assert.Equal(t, []string{"alice", "", "secret", identity.MechanismPassword}, provider.lastAuth)
}

func TestPassRequiresUser(t *testing.T) {
	srv, provider, _ := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)

	assert.Equal(t, "-ERR please specify username first with the USER command", c.cmd("PASS secret"))
	assert.Equal(t, "-ERR please specify a user", c.cmd("USER"))
	assert.Equal(t, "+OK hello alice, please enter your password", c.cmd("USER alice"))
	assert.Equal(t, "-ERR please specify a password", c.cmd("PASS"))
	assert.Equal(t, "-ERR username length too long", c.cmd("USER "+strings.Repeat("a", maxCredentialLength+1)))
	assert.Equal(t, "-ERR password length too long", c.cmd("PASS "+strings.Repeat("a", maxCredentialLength+1)))
	assert.Zero(t, provider.calls())
}

func TestAuthFailureMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unknown account", identity.ErrNoSuchAccount, "-ERR invalid username/password"},
		{"bad credentials", identity.ErrAuthFailed, "-ERR invalid username/password"},
		{"expired", identity.ErrPasswordExpired, "-ERR your password has expired"},
		{"maintenance", identity.ErrMaintenance, "-ERR your account is having maintenance performed; try again later"},
		{"pop disabled", identity.ErrPOP3Disabled, "-ERR pop access not enabled for account"},
		{"other", assertError("directory unavailable"), "-ERR directory unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, provider, _ := newMailboxFixture(t, POP3ServerOptions{})
			provider.accounts["alice"].err = tt.err
			c := connect(t, srv)
			c.cmd("USER alice")
			assert.Equal(t, tt.want, c.cmd("PASS secret"))
		})
	}
}

func TestPOP3DisabledAccountIsRejected(t *testing.T) {
	srv, provider, _ := newMailboxFixture(t, POP3ServerOptions{})
	provider.accounts["alice"].account.POP3Enabled = false
	c := connect(t, srv)
	c.cmd("USER alice")
	assert.Equal(t, "-ERR pop access not enabled for account", c.cmd("PASS secret"))
	assert.Equal(t, "-ERR this command is only valid after a login", c.cmd("LIST"))
}

func TestMailboxQuerySuffix(t *testing.T) {
	srv, _, store := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)
	assert.Equal(t, "+OK hello alice, please enter your password", c.cmd("USER alice{Archive}"))
	assert.Equal(t, "+OK server ready", c.cmd("PASS secret"))
	assert.Equal(t, "Archive", store.lastQuery)
}

func TestCommandsOutsideState(t *testing.T) {
	srv, _, _ := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)

	for _, cmd := range []string{"STAT", "LIST", "UIDL", "RETR 1", "TOP 1 0", "DELE 1", "RSET"} {
		assert.Equal(t, "-ERR this command is only valid after a login", c.cmd(cmd), cmd)
	}

	c.login("alice", "secret")
	assert.Equal(t, "-ERR this command is only valid in authorization state", c.cmd("USER alice"))
	assert.Equal(t, "-ERR this command is only valid in authorization state", c.cmd("PASS secret"))
	assert.Equal(t, "-ERR command only valid in AUTHORIZATION state", c.cmd("AUTH PLAIN"))
}

func TestDispatcher(t *testing.T) {
	srv, _, _ := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)

	assert.Equal(t, "-ERR invalid request. please specify a command", c.cmd(""))
	assert.Equal(t, "-ERR invalid request. please specify a command", c.cmd(" NOOP"))
	assert.Equal(t, "-ERR unknown command", c.cmd("XYZZY"))
	assert.Equal(t, "-ERR unknown command", c.cmd("APOP alice deadbeef"))
	assert.Equal(t, "+OK yawn", c.cmd("noop"))
	assert.Equal(t, "+OK yawn", c.cmd("NoOp"))
	assert.Equal(t, "+OK hello alice, please enter your password", c.cmd("user alice"))
}

func TestLineTooLong(t *testing.T) {
	srv, _, _ := newMailboxFixture(t, POP3ServerOptions{MaxLineLength: 64})
	c := connect(t, srv)
	assert.Equal(t, "-ERR line too long", c.cmd("NOOP "+strings.Repeat("x", 100)))
	assert.Equal(t, "+OK yawn", c.cmd("NOOP"))
}

func TestListAndUidlSkipDeleted(t *testing.T) {
	srv, _, store := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)
	c.login("alice", "secret")

	msgs := store.messages[1]
	size := func(i int) string { return itoa(int(msgs[i].Size)) }
	total := itoa(len(testMessage1) + len(testMessage2) + len(testMessage3))

	c.send("LIST")
	assert.Equal(t, "+OK 3 messages", c.readLine())
	assert.Equal(t, []string{"1 " + size(0), "2 " + size(1), "3 " + size(2)}, c.readMultiline())

	assert.Equal(t, "+OK message 2 marked for deletion", c.cmd("DELE 2"))

	c.send("LIST")
	assert.Equal(t, "+OK 2 messages", c.readLine())
	assert.Equal(t, []string{"1 " + size(0), "3 " + size(2)}, c.readMultiline())

	c.send("UIDL")
	assert.Equal(t, "+OK 2 messages", c.readLine())
	assert.Equal(t, []string{"1 " + uniqueID(msgs[0]), "3 " + uniqueID(msgs[2])}, c.readMultiline())

	assert.Equal(t, "+OK 3 "+size(2), c.cmd("LIST 3"))
	assert.Equal(t, "+OK 1 "+uniqueID(msgs[0]), c.cmd("UIDL 1"))
	assert.Equal(t, "-ERR msg already deleted", c.cmd("LIST 2"))
	assert.Equal(t, "-ERR msg already deleted", c.cmd("UIDL 2"))
	assert.Equal(t, "-ERR msg already deleted", c.cmd("RETR 2"))
	assert.Equal(t, "-ERR msg already deleted", c.cmd("DELE 2"))
	assert.Equal(t, "-ERR invalid msg", c.cmd("LIST 9"))
	assert.Equal(t, "-ERR unable to parse msg", c.cmd("UIDL x"))

	// STAT reports the session's totals until the deletions are committed.
	assert.Equal(t, "+OK 3 "+total, c.cmd("STAT"))
}

func TestDeleRsetCounts(t *testing.T) {
	srv, _, store := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)
	c.login("alice", "secret")

	assert.Equal(t, "+OK 0 message(s) undeleted", c.cmd("RSET"))

	c.cmd("DELE 1")
	c.cmd("DELE 3")
	assert.Equal(t, "+OK 2 message(s) undeleted", c.cmd("RSET"))

	c.cmd("DELE 2")
	assert.Equal(t, "+OK 1 message(s) undeleted", c.cmd("RSET"))

	c.send("LIST")
	c.readLine()
	assert.Len(t, c.readMultiline(), 3)

	assert.Equal(t, "+OK goodbye", c.cmd("QUIT"))
	c.waitClosed()
	assert.Zero(t, store.calls(), "QUIT with nothing marked does not purge")
}

func TestQuitPurgesMarkedMessages(t *testing.T) {
	srv, _, store := newMailboxFixture(t, POP3ServerOptions{Goodbye: "see you"})
	c := connect(t, srv)
	c.login("alice", "secret")

	c.cmd("DELE 1")
	c.cmd("DELE 3")
	assert.Equal(t, "+OK deleted 2 message(s)", c.cmd("QUIT"))
	c.waitClosed()

	assert.Equal(t, 1, store.calls())
	assert.Equal(t, 2, store.expungedCount())
	ids := store.messages[1]
	assert.True(t, store.expunged[ids[0].ID])
	assert.False(t, store.expunged[ids[1].ID])
	assert.True(t, store.expunged[ids[2].ID])
}

func TestQuitBeforeLogin(t *testing.T) {
	srv, _, store := newMailboxFixture(t, POP3ServerOptions{Goodbye: "see you"})
	c := connect(t, srv)
	assert.Equal(t, "+OK see you", c.cmd("QUIT"))
	c.waitClosed()
	assert.Zero(t, store.calls())
}

func TestDisconnectDoesNotPurge(t *testing.T) {
	srv, _, store := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)
	c.login("alice", "secret")
	assert.Equal(t, "+OK message 1 marked for deletion", c.cmd("DELE 1"))

	c.conn.Close()
	<-c.done
	assert.Zero(t, store.calls())
	assert.Zero(t, store.expungedCount())
	assert.Zero(t, srv.GetTotalConnections())
	assert.Zero(t, srv.GetAuthenticatedConnections())
}

func TestIdleTimeoutClosesSilently(t *testing.T) {
	srv, _, store := newMailboxFixture(t, POP3ServerOptions{CommandTimeout: 200 * time.Millisecond})
	c := connect(t, srv)
	c.login("alice", "secret")
	c.cmd("DELE 1")

	c.waitClosed()
	assert.Zero(t, store.calls())
}

func TestInactiveAccountIsDroppedSilently(t *testing.T) {
	for _, status := range []string{identity.StatusLocked, identity.StatusMaintenance, identity.StatusClosed} {
		t.Run(status, func(t *testing.T) {
			srv, provider, _ := newMailboxFixture(t, POP3ServerOptions{})
			c := connect(t, srv)
			c.login("alice", "secret")
			assert.Equal(t, "+OK yawn", c.cmd("NOOP"))

			provider.setStatus("alice", status)
			c.send("NOOP")
			c.waitClosed()
		})
	}

	t.Run("removed", func(t *testing.T) {
		srv, provider, _ := newMailboxFixture(t, POP3ServerOptions{})
		c := connect(t, srv)
		c.login("alice", "secret")

		provider.mu.Lock()
		delete(provider.accounts, "alice")
		provider.mu.Unlock()
		c.send("STAT")
		c.waitClosed()
	})
}

func TestRetr(t *testing.T) {
	srv, _, _ := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)
	c.login("alice", "secret")

	assert.Equal(t, "-ERR please specify a message", c.cmd("RETR"))

	c.send("RETR 1")
	assert.Equal(t, "+OK message follows", c.readLine())
	assert.Equal(t, []string{
		"From: a@example.com",
		"Subject: one",
		"",
		"Hello",
		"..hidden dot",
		"Bye",
	}, c.readMultiline())

	c.send("RETR 2")
	assert.Equal(t, "+OK message follows", c.readLine())
	assert.Equal(t, []string{"From: b@example.com", "Subject: two", "", "Second"}, c.readMultiline())
}

func TestRetrStoreFailure(t *testing.T) {
	srv, _, store := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)
	c.login("alice", "secret")

	store.mu.Lock()
	delete(store.contents, store.messages[1][0].ID)
	store.mu.Unlock()

	assert.Equal(t, "-ERR message not available", c.cmd("RETR 1"))
	assert.Equal(t, "+OK yawn", c.cmd("NOOP"), "session survives store errors")
}

func TestTop(t *testing.T) {
	srv, _, _ := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)
	c.login("alice", "secret")

	assert.Equal(t, "-ERR please specify a message and number of lines", c.cmd("TOP 1"))
	assert.Equal(t, "-ERR please specify a message and number of lines", c.cmd("TOP"))
	assert.Equal(t, "-ERR unable to parse number of lines", c.cmd("TOP 1 x"))
	assert.Equal(t, "-ERR please specify a non-negative value for number of lines", c.cmd("TOP 1 -1"))
	assert.Equal(t, "-ERR please specify a message", c.cmd("TOP  2"))
	assert.Equal(t, "-ERR invalid msg", c.cmd("TOP 7 2"))

	c.send("TOP 1 0")
	assert.Equal(t, "+OK message top follows", c.readLine())
	assert.Equal(t, []string{"From: a@example.com", "Subject: one", ""}, c.readMultiline())

	c.send("TOP 1 2")
	assert.Equal(t, "+OK message top follows", c.readLine())
	assert.Equal(t, []string{"From: a@example.com", "Subject: one", "", "Hello", "..hidden dot"}, c.readMultiline())

	c.send("TOP 1 100")
	c.readLine()
	top := c.readMultiline()
	c.send("RETR 1")
	c.readLine()
	assert.Equal(t, c.readMultiline(), top)
}

func TestSessionCountersTrackLogin(t *testing.T) {
	srv, _, _ := newMailboxFixture(t, POP3ServerOptions{})
	c := connect(t, srv)
	assert.Equal(t, int64(1), srv.GetTotalConnections())
	assert.Zero(t, srv.GetAuthenticatedConnections())

	c.login("alice", "secret")
	assert.Equal(t, int64(1), srv.GetAuthenticatedConnections())

	c.cmd("QUIT")
	c.waitClosed()
	assert.Zero(t, srv.GetTotalConnections())
	assert.Zero(t, srv.GetAuthenticatedConnections())
}

type assertError string

func (e assertError) Error() string { return string(e) }

func itoa(n int) string {
	return strconv.Itoa(n)
}
