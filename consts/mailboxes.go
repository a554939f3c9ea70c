package consts

// MailboxInbox is the mailbox POP3 sessions read when the login carries no
// mailbox query.
const MailboxInbox = "INBOX"
