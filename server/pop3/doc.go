// Package pop3 implements a POP3 (Post Office Protocol version 3) server.
//
// This package provides:
//   - RFC 1939 POP3 core protocol
//   - RFC 2449 CAPA extension mechanism
//   - RFC 2595 STLS upgrade on plaintext listeners
//   - RFC 5034 SASL authentication (PLAIN, optional GSSAPI)
//   - TOP and UIDL commands
//
// # Server States
//
//	AUTHORIZATION → TRANSACTION → UPDATE
//
// A session enters TRANSACTION exactly once, either through USER/PASS or
// through a completed AUTH exchange. UPDATE is entered on QUIT when at
// least one message is marked for deletion.
//
// # Starting a POP3 Server
//
//	srv, err := pop3.New(ctx, "pop3", "mail.example.com", ":110", database, store,
//		pop3.POP3ServerOptions{
//			TLSCertFile:    "/etc/popd/cert.pem",
//			TLSKeyFile:     "/etc/popd/key.pem",
//			MaxConnections: 500,
//		})
//	if err != nil {
//		log.Fatal(err)
//	}
//	errChan := make(chan error, 1)
//	go srv.Start(errChan)
//
// # Message Deletion
//
// Messages marked with DELE are only expunged when the session ends with
// QUIT. If the connection drops or times out, the marks are discarded.
//
// # Message Numbers
//
// Message numbers are assigned once at login and stay stable for the
// session. Messages marked for deletion are hidden from LIST and UIDL and
// cannot be retrieved, but the remaining messages keep their numbers.
package pop3
