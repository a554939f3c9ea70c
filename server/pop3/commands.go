package pop3

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/migadu/popd/pkg/metrics"
)

type commandHandler func(s *POP3Session, arg string) error

// commands maps upper-cased keywords to their handlers. Keywords missing
// from the table are answered with "unknown command".
var commands = map[string]commandHandler{
	"USER": (*POP3Session).cmdUser,
	"PASS": (*POP3Session).cmdPass,
	"AUTH": (*POP3Session).cmdAuth,
	"STLS": (*POP3Session).cmdStls,
	"CAPA": (*POP3Session).cmdCapa,
	"NOOP": (*POP3Session).cmdNoop,
	"QUIT": (*POP3Session).cmdQuit,
	"STAT": (*POP3Session).cmdStat,
	"LIST": (*POP3Session).cmdList,
	"UIDL": (*POP3Session).cmdUidl,
	"RETR": (*POP3Session).cmdRetr,
	"TOP":  (*POP3Session).cmdTop,
	"DELE": (*POP3Session).cmdDele,
	"RSET": (*POP3Session).cmdRset,
}

func (s *POP3Session) requireTransaction() error {
	if s.state != stateTransaction {
		return newCmdError("this command is only valid after a login")
	}
	return nil
}

func (s *POP3Session) cmdNoop(string) error {
	return s.sendOK("yawn")
}

func (s *POP3Session) cmdQuit(string) error {
	if s.state == stateTransaction && s.mailbox.numDeleted > 0 {
		s.state = stateUpdate
		count, err := s.mailbox.commit(s.ctx)
		if err != nil {
			s.WarnLog("QUIT: %v", err)
			_ = s.sendERR("some deleted messages not removed")
			return errSessionEnded
		}
		metrics.MessagesExpungedTotal.Add(float64(count))
		s.InfoLog("quit, expunged %d message(s)", count)
		_ = s.sendOK(fmt.Sprintf("deleted %d message(s)", count))
		return errSessionEnded
	}

	s.InfoLog("quit")
	_ = s.sendOK(s.server.goodbye)
	return errSessionEnded
}

func (s *POP3Session) cmdStat(string) error {
	if err := s.requireTransaction(); err != nil {
		return err
	}
	return s.sendOK(fmt.Sprintf("%d %d", s.mailbox.totalMessages(), s.mailbox.totalSize()))
}

func (s *POP3Session) cmdList(arg string) error {
	if err := s.requireTransaction(); err != nil {
		return err
	}
	if arg != "" {
		n, err := s.mailbox.lookup(arg)
		if err != nil {
			return err
		}
		msg, _ := s.mailbox.message(n)
		return s.sendOK(fmt.Sprintf("%d %d", n+1, msg.Size))
	}

	if err := s.sendOKNoFlush(fmt.Sprintf("%d messages", s.mailbox.numUndeleted())); err != nil {
		return err
	}
	for n := 0; n < s.mailbox.totalMessages(); n++ {
		msg, deleted := s.mailbox.message(n)
		if deleted {
			continue
		}
		if err := s.sendLine(fmt.Sprintf("%d %d", n+1, msg.Size), false); err != nil {
			return err
		}
	}
	return s.sendLine(".", true)
}

func (s *POP3Session) cmdUidl(arg string) error {
	if err := s.requireTransaction(); err != nil {
		return err
	}
	if arg != "" {
		n, err := s.mailbox.lookup(arg)
		if err != nil {
			return err
		}
		msg, _ := s.mailbox.message(n)
		return s.sendOK(fmt.Sprintf("%d %s", n+1, uniqueID(msg)))
	}

	if err := s.sendOKNoFlush(fmt.Sprintf("%d messages", s.mailbox.numUndeleted())); err != nil {
		return err
	}
	for n := 0; n < s.mailbox.totalMessages(); n++ {
		msg, deleted := s.mailbox.message(n)
		if deleted {
			continue
		}
		if err := s.sendLine(fmt.Sprintf("%d %s", n+1, uniqueID(msg)), false); err != nil {
			return err
		}
	}
	return s.sendLine(".", true)
}

func (s *POP3Session) cmdRetr(arg string) error {
	if err := s.requireTransaction(); err != nil {
		return err
	}
	if arg == "" {
		return newCmdError("please specify a message")
	}
	return s.transmit("RETR", arg, unlimitedBodyLines, "message follows")
}

func (s *POP3Session) cmdTop(arg string) error {
	if err := s.requireTransaction(); err != nil {
		return err
	}

	msgArg, linesArg, found := strings.Cut(arg, " ")
	if !found {
		return newCmdError("please specify a message and number of lines")
	}
	lines, err := strconv.Atoi(linesArg)
	if err != nil {
		return newCmdError("unable to parse number of lines")
	}
	if lines < 0 {
		return newCmdError("please specify a non-negative value for number of lines")
	}
	if msgArg == "" {
		return newCmdError("please specify a message")
	}
	return s.transmit("TOP", msgArg, lines, "message top follows")
}

// transmit sends the message the client referred to as token. The positive
// response is only written once the content stream is open, so a store
// failure still produces a single-line negative response.
func (s *POP3Session) transmit(command, token string, maxBodyLines int, okText string) error {
	n, err := s.mailbox.lookup(token)
	if err != nil {
		return err
	}
	msg, _ := s.mailbox.message(n)

	content, err := s.server.store.GetMessageContent(s.ctx, msg)
	if err != nil {
		s.WarnLog("%s: failed to open message %d: %v", command, msg.ID, err)
		return newCmdError("%s", storeErrorResponse(err))
	}
	defer content.Close()

	if err := s.sendOKNoFlush(okText); err != nil {
		return err
	}
	written, err := writeMessage(s.writer, content, maxBodyLines)
	metrics.BytesSentTotal.Add(float64(written))
	if err != nil {
		return fmt.Errorf("%s of message %d interrupted: %w", command, msg.ID, err)
	}
	metrics.MessagesRetrievedTotal.WithLabelValues(command).Inc()
	s.DebugLog("%s message %d (%d octets sent)", command, n+1, written)
	return nil
}

func (s *POP3Session) cmdDele(arg string) error {
	if err := s.requireTransaction(); err != nil {
		return err
	}
	if arg == "" {
		return newCmdError("please specify a message")
	}
	n, err := s.mailbox.lookup(arg)
	if err != nil {
		return err
	}
	s.mailbox.markDeleted(n)
	return s.sendOK(fmt.Sprintf("message %s marked for deletion", arg))
}

func (s *POP3Session) cmdRset(string) error {
	if err := s.requireTransaction(); err != nil {
		return err
	}
	count := s.mailbox.undeleteAll()
	return s.sendOK(fmt.Sprintf("%d message(s) undeleted", count))
}
