package pop3

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/db"
	"github.com/migadu/popd/identity"
	"github.com/stretchr/testify/require"
)

type fakeAccount struct {
	password string
	account  identity.Account
	// err is returned by Authenticate instead of checking the password.
	err error
}

// fakeProvider is an in-memory identity.Provider that records calls.
type fakeProvider struct {
	mu          sync.Mutex
	accounts    map[string]*fakeAccount
	authCalls   int
	lookupCalls int
	lastAuth    []string // username, authID, secret, mechanism
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{accounts: make(map[string]*fakeAccount)}
}

func (p *fakeProvider) add(name, password string, id int64) *fakeAccount {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := &fakeAccount{
		password: password,
		account: identity.Account{
			ID:          id,
			Name:        name,
			Status:      identity.StatusActive,
			POP3Enabled: true,
		},
	}
	p.accounts[name] = a
	return a
}

func (p *fakeProvider) setStatus(name, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[name].account.Status = status
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authCalls
}

func (p *fakeProvider) Authenticate(_ context.Context, username, authID, secret, mechanism string) (*identity.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authCalls++
	p.lastAuth = []string{username, authID, secret, mechanism}

	if authID == "" {
		authID = username
	}
	a, ok := p.accounts[authID]
	if !ok {
		return nil, identity.ErrNoSuchAccount
	}
	if a.err != nil {
		return nil, a.err
	}
	if mechanism != identity.MechanismGSSAPI && a.password != secret {
		return nil, identity.ErrAuthFailed
	}
	if username != authID {
		target, ok := p.accounts[username]
		if !ok || !a.account.IsAdmin {
			return nil, identity.ErrAuthFailed
		}
		a = target
	}
	account := a.account
	return &account, nil
}

func (p *fakeProvider) LookupAccount(_ context.Context, id int64) (*identity.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookupCalls++
	for _, a := range p.accounts {
		if a.account.ID == id {
			account := a.account
			return &account, nil
		}
	}
	return nil, identity.ErrNoSuchAccount
}

// fakeStore is an in-memory MessageStore.
type fakeStore struct {
	mu           sync.Mutex
	messages     map[int64][]db.Message
	contents     map[int64]string
	expunged     map[int64]bool
	expungeCalls int
	lastQuery    string
	listErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[int64][]db.Message),
		contents: make(map[int64]string),
		expunged: make(map[int64]bool),
	}
}

// addMessage appends a message with the given content to the account's
// mailbox and returns its ID.
func (f *fakeStore) addMessage(accountID int64, content string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.contents) + 100)
	f.messages[accountID] = append(f.messages[accountID], db.Message{
		ID:          id,
		AccountID:   accountID,
		UID:         int64(len(f.messages[accountID]) + 1),
		ContentHash: fmt.Sprintf("%064x", id),
		Size:        int64(len(content)),
	})
	f.contents[id] = content
	return id
}

func (f *fakeStore) ListMessages(_ context.Context, accountID int64, query string) ([]db.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = query
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []db.Message
	for _, m := range f.messages[accountID] {
		if !f.expunged[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) GetMessageContent(_ context.Context, msg db.Message) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.contents[msg.ID]
	if !ok {
		return nil, consts.ErrMessageNotAvailable
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (f *fakeStore) ExpungeMessages(_ context.Context, accountID int64, ids []int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expungeCalls++
	count := 0
	for _, id := range ids {
		for _, m := range f.messages[accountID] {
			if m.ID == id && !f.expunged[id] {
				f.expunged[id] = true
				count++
			}
		}
	}
	return count, nil
}

func (f *fakeStore) expungedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.expunged)
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expungeCalls
}

func newTestServer(t *testing.T, provider identity.Provider, store MessageStore, options POP3ServerOptions) *POP3Server {
	t.Helper()
	srv, err := New(context.Background(), "test", "localhost", "127.0.0.1:0", provider, store, options)
	require.NoError(t, err)
	t.Cleanup(srv.cancel)
	return srv
}

// testClient drives a session over an in-memory pipe.
type testClient struct {
	t        *testing.T
	conn     net.Conn
	r        *bufio.Reader
	done     chan struct{}
	greeting string
}

// connect starts a session on srv and consumes the greeting.
func connect(t *testing.T, srv *POP3Server) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	c := &testClient{t: t, conn: clientConn, r: bufio.NewReader(clientConn), done: make(chan struct{})}
	go func() {
		defer close(c.done)
		srv.serveConn(serverConn)
	}()
	t.Cleanup(func() {
		c.conn.Close()
		<-c.done
	})
	c.greeting = c.readLine()
	require.True(t, strings.HasPrefix(c.greeting, "+OK "), "greeting")
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := io.WriteString(c.conn, line+"\r\n")
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	require.True(c.t, strings.HasSuffix(line, "\r\n"), "line %q must end with CRLF", line)
	return strings.TrimSuffix(line, "\r\n")
}

// cmd sends a command and returns the single-line response.
func (c *testClient) cmd(line string) string {
	c.t.Helper()
	c.send(line)
	return c.readLine()
}

// readMultiline reads lines up to and excluding the terminator. Stuffed
// lines are returned as sent.
func (c *testClient) readMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		if line == "." {
			return lines
		}
		lines = append(lines, line)
	}
}

// waitClosed asserts that the server closes the connection without sending
// anything else.
func (c *testClient) waitClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, err := c.r.ReadString('\n')
	require.ErrorIs(c.t, err, io.EOF)
	require.Empty(c.t, data)
	<-c.done
}

// login authenticates with USER/PASS.
func (c *testClient) login(user, password string) {
	c.t.Helper()
	require.Equal(c.t, fmt.Sprintf("+OK hello %s, please enter your password", user), c.cmd("USER "+user))
	require.Equal(c.t, "+OK server ready", c.cmd("PASS "+password))
}

// generateTestTLS creates a self-signed certificate for 127.0.0.1 and the
// matching server and client configurations.
func generateTestTLS(t *testing.T) (serverTLS, clientTLS *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "popd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	parsed, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(parsed)

	serverTLS = &tls.Config{Certificates: []tls.Certificate{tlsCert}, MinVersion: tls.VersionTLS12}
	clientTLS = &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS12}
	return serverTLS, clientTLS
}
