package pop3

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/migadu/popd/identity"
	"github.com/migadu/popd/pkg/metrics"
)

// maxCredentialLength bounds USER and PASS arguments.
const maxCredentialLength = 1024

// minExpireDays is the lowest retention period advertised through the
// EXPIRE capability. Shorter positive lifetimes are rounded up to it.
const minExpireDays = 31

// GSSAPIAuthenticator completes a GSSAPI exchange. principal is the Kerberos
// principal the mechanism established; authzID is the identity the client
// asked to act as, empty when it is the principal itself.
type GSSAPIAuthenticator func(principal, authzID string) error

// GSSAPIServerFactory creates the server side of a GSSAPI exchange that
// calls authenticate once the client's principal is established.
type GSSAPIServerFactory func(authenticate GSSAPIAuthenticator) sasl.Server

// pendingAuth is an unfinished SASL exchange. Every line the client sends
// is fed to it until it reports completion.
type pendingAuth struct {
	mechanism string
	server    sasl.Server
	started   time.Time
}

// parseUser splits the USER argument into the account name and the
// optional mailbox selector given as a "{query}" suffix.
func parseUser(arg string) (user, query string) {
	if strings.HasSuffix(arg, "}") {
		if p := strings.IndexByte(arg, '{'); p != -1 {
			return arg[:p], arg[p+1 : len(arg)-1]
		}
	}
	return arg, ""
}

// expireDaysFor converts a message lifetime into the EXPIRE value.
func expireDaysFor(lifetime time.Duration) int {
	days := int(lifetime / (24 * time.Hour))
	if days > 0 && days < minExpireDays {
		return minExpireDays
	}
	return days
}

func (s *POP3Session) cmdUser(arg string) error {
	if err := s.checkLoginPermitted(); err != nil {
		return err
	}
	if s.state != stateAuthorization {
		return newCmdError("this command is only valid in authorization state")
	}
	if arg == "" {
		return newCmdError("please specify a user")
	}
	if len(arg) > maxCredentialLength {
		return newCmdError("username length too long")
	}

	s.candidateUser, s.mailboxQuery = parseUser(arg)
	return s.sendOK(fmt.Sprintf("hello %s, please enter your password", s.candidateUser))
}

func (s *POP3Session) cmdPass(arg string) error {
	if err := s.checkLoginPermitted(); err != nil {
		return err
	}
	if s.state != stateAuthorization {
		return newCmdError("this command is only valid in authorization state")
	}
	if s.candidateUser == "" {
		return newCmdError("please specify username first with the USER command")
	}
	if arg == "" {
		return newCmdError("please specify a password")
	}
	if len(arg) > maxCredentialLength {
		return newCmdError("password length too long")
	}

	if err := s.authenticate(s.candidateUser, "", arg, identity.MechanismPassword); err != nil {
		return err
	}
	return s.sendOK("server ready")
}

func (s *POP3Session) cmdAuth(arg string) error {
	if s.state != stateAuthorization {
		return newCmdError("command only valid in AUTHORIZATION state")
	}
	if arg == "" {
		return newCmdError("please specify a mechanism")
	}

	mechanism, initialResponse, hasInitialResponse := strings.Cut(arg, " ")
	mechanism = strings.ToUpper(mechanism)

	var mech sasl.Server
	switch {
	case mechanism == sasl.Plain:
		if !s.allowCleartextLogins() {
			return newCmdError("cleartext logins disabled")
		}
		mech = sasl.NewPlainServer(func(authzID, username, password string) error {
			target := username
			if authzID != "" {
				target = authzID
			}
			return s.authenticate(target, username, password, identity.MechanismPlain)
		})
	case mechanism == identity.MechanismGSSAPI && s.server.gssapiEnabled():
		mech = s.server.gssapiFactory(func(principal, authzID string) error {
			target := principal
			if authzID != "" {
				target = authzID
			}
			return s.authenticate(target, principal, "", identity.MechanismGSSAPI)
		})
	default:
		return newCmdError("mechanism not supported")
	}

	s.pendingAuth = &pendingAuth{mechanism: mechanism, server: mech, started: time.Now()}
	s.DebugLog("SASL %s exchange started", mechanism)

	if hasInitialResponse {
		return s.continueAuthentication(initialResponse)
	}
	return s.stepAuthentication(nil)
}

// continueAuthentication handles a client line while a SASL exchange is
// pending. The line is never logged.
func (s *POP3Session) continueAuthentication(line string) error {
	if line == "*" {
		metrics.AuthenticationAttempts.WithLabelValues(s.pendingAuth.mechanism, "cancelled").Inc()
		s.pendingAuth = nil
		return newCmdError("authentication cancelled")
	}

	response := []byte{}
	if line != "=" && line != "" {
		decoded, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			s.failAuthentication()
			return newCmdError("invalid base64 data in response")
		}
		response = decoded
	}
	return s.stepAuthentication(response)
}

// stepAuthentication feeds one client response to the pending mechanism. A
// nil response asks the mechanism for its initial challenge.
func (s *POP3Session) stepAuthentication(response []byte) error {
	pending := s.pendingAuth
	challenge, done, err := pending.server.Next(response)
	if err != nil {
		s.failAuthentication()
		var cmdErr *cmdError
		if errors.As(err, &cmdErr) {
			return cmdErr
		}
		s.DebugLog("SASL %s exchange failed: %v", pending.mechanism, err)
		return newCmdError("authentication failed")
	}

	if !done {
		return s.sendContinuation(base64.StdEncoding.EncodeToString(challenge))
	}

	s.pendingAuth = nil
	if s.state != stateTransaction {
		metrics.AuthenticationAttempts.WithLabelValues(pending.mechanism, "failure").Inc()
		return newCmdError("authentication failed")
	}
	s.DebugLog("SASL %s exchange completed in %s", pending.mechanism, time.Since(pending.started))
	return s.sendOK("authentication successful")
}

func (s *POP3Session) failAuthentication() {
	if s.pendingAuth != nil {
		s.DebugLog("SASL %s exchange aborted", s.pendingAuth.mechanism)
	}
	s.pendingAuth = nil
}

// authenticate verifies credentials with the identity provider and, on
// success, binds the account, opens the mailbox and enters TRANSACTION.
// Errors are returned as client-facing *cmdError values.
func (s *POP3Session) authenticate(username, authID, secret, mechanism string) error {
	account, err := s.server.provider.Authenticate(s.ctx, username, authID, secret, mechanism)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues(mechanism, "failure").Inc()
		s.InfoLog("authentication failed for %q (mechanism %s): %v", username, mechanism, err)
		return newCmdError("%s", authErrorResponse(err))
	}
	if !account.POP3Enabled {
		metrics.AuthenticationAttempts.WithLabelValues(mechanism, "failure").Inc()
		return newCmdError("%s", authErrorResponse(identity.ErrPOP3Disabled))
	}

	mailbox, err := openMailbox(s.ctx, s.server.store, account.ID, s.mailboxQuery)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues(mechanism, "failure").Inc()
		s.WarnLog("failed to open mailbox for account %d: %v", account.ID, err)
		return newCmdError("%s", storeErrorResponse(err))
	}

	s.account = account
	s.mailbox = mailbox
	s.expireDays = expireDaysFor(account.MessageLifetime)
	s.candidateUser = ""
	s.state = stateTransaction
	s.SetUser(account.ID, account.Name)

	s.authenticated = true
	s.server.authenticatedConnections.Add(1)
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues(s.server.name).Inc()
	metrics.AuthenticationAttempts.WithLabelValues(mechanism, "success").Inc()

	s.InfoLog("authenticated with %s, %d message(s) (%d octets)", mechanism, mailbox.totalMessages(), mailbox.totalSize())
	return nil
}
