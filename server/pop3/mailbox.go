package pop3

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/migadu/popd/db"
)

// MessageStore is the persistence layer behind a session's mailbox.
type MessageStore interface {
	// ListMessages returns the messages visible to a session, in the order
	// that defines their message numbers. query selects the mailbox; an
	// empty query means the INBOX.
	ListMessages(ctx context.Context, accountID int64, query string) ([]db.Message, error)

	// GetMessageContent opens the raw RFC 5322 bytes of msg.
	GetMessageContent(ctx context.Context, msg db.Message) (io.ReadCloser, error)

	// ExpungeMessages permanently removes the given messages of the account
	// and returns how many were removed.
	ExpungeMessages(ctx context.Context, accountID int64, ids []int64) (int, error)
}

// uidlDigestLength keeps "<id>.<digest>" within the 70 character limit
// RFC 1939 places on unique-ids.
const uidlDigestLength = 32

// mailboxView is the session's snapshot of a mailbox. Message numbers are
// 1-based indexes into messages and never change during the session.
type mailboxView struct {
	store     MessageStore
	accountID int64
	messages  []db.Message
	deleted   []bool
	size      int64
	// numDeleted is the number of true entries in deleted.
	numDeleted int
}

func openMailbox(ctx context.Context, store MessageStore, accountID int64, query string) (*mailboxView, error) {
	messages, err := store.ListMessages(ctx, accountID, query)
	if err != nil {
		return nil, err
	}
	return newMailboxView(store, accountID, messages), nil
}

func newMailboxView(store MessageStore, accountID int64, messages []db.Message) *mailboxView {
	m := &mailboxView{
		store:     store,
		accountID: accountID,
		messages:  messages,
		deleted:   make([]bool, len(messages)),
	}
	for _, msg := range messages {
		m.size += msg.Size
	}
	return m
}

// totalMessages is the number of messages in the snapshot, including those
// marked for deletion.
func (m *mailboxView) totalMessages() int {
	return len(m.messages)
}

// totalSize is the size of all messages in the snapshot, including those
// marked for deletion.
func (m *mailboxView) totalSize() int64 {
	return m.size
}

func (m *mailboxView) numUndeleted() int {
	return len(m.messages) - m.numDeleted
}

// message returns the message at the 0-based index n and whether it is
// marked for deletion.
func (m *mailboxView) message(n int) (db.Message, bool) {
	return m.messages[n], m.deleted[n]
}

// lookup resolves a message number sent by the client to a 0-based index.
func (m *mailboxView) lookup(token string) (int, error) {
	n, err := strconv.Atoi(token)
	if err != nil {
		return 0, newCmdError("unable to parse msg")
	}
	if n < 1 || n > len(m.messages) {
		return 0, newCmdError("invalid msg")
	}
	if m.deleted[n-1] {
		return 0, newCmdError("msg already deleted")
	}
	return n - 1, nil
}

func (m *mailboxView) markDeleted(n int) {
	if !m.deleted[n] {
		m.deleted[n] = true
		m.numDeleted++
	}
}

// undeleteAll clears every deletion mark and returns how many were cleared.
func (m *mailboxView) undeleteAll() int {
	count := m.numDeleted
	for i := range m.deleted {
		m.deleted[i] = false
	}
	m.numDeleted = 0
	return count
}

// commit expunges the marked messages from the store and returns the number
// the store removed.
func (m *mailboxView) commit(ctx context.Context) (int, error) {
	if m.numDeleted == 0 {
		return 0, nil
	}
	ids := make([]int64, 0, m.numDeleted)
	for i, msg := range m.messages {
		if m.deleted[i] {
			ids = append(ids, msg.ID)
		}
	}
	count, err := m.store.ExpungeMessages(ctx, m.accountID, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to expunge %d message(s): %w", len(ids), err)
	}
	return count, nil
}

// uniqueID is the UIDL identifier of msg. The database ID makes it unique;
// the content digest makes it change if a message row were ever reused.
func uniqueID(msg db.Message) string {
	digest := msg.ContentHash
	if len(digest) > uidlDigestLength {
		digest = digest[:uidlDigestLength]
	}
	return fmt.Sprintf("%d.%s", msg.ID, digest)
}
