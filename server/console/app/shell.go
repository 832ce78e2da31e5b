package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"supportdesk/server/chat/domain"
	"supportdesk/server/console/inbox"
	"supportdesk/server/console/presence"
	"supportdesk/server/console/realtime"
	"supportdesk/server/console/transcript"
)

const shellHelp = `commands:
  list [all|waiting|active|ended] [search]   show the inbox
  refresh                                    reload the inbox
  assign <sessionId>                         pick up a waiting chat
  open <sessionId>                           open a chat transcript
  show                                       print the open transcript
  say <text>                                 send a message
  typing                                     signal a keystroke
  end [reason]                               end the open chat
  close                                      close the open chat
  status                                     connection and presence status
  reconnect                                  retry the connection
  away | back                                simulate hiding or showing the window
  logout                                     sign out
  quit                                       exit`

var errQuit = errors.New("quit")

// Shell is a line-oriented operator front end for a Console.
type Shell struct {
	console *Console
	out     io.Writer
	outMu   sync.Mutex
}

func NewShell(c *Console, out io.Writer) *Shell {
	return &Shell{console: c, out: out}
}

func (s *Shell) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

// Run reads commands from in until EOF, quit or ctx is done.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	watch := s.console.Connection().WatchState(func(st realtime.State) {
		s.printf("[connection] %s", st)
	})
	defer watch.Unsubscribe()
	live := realtime.Handle(s.console.Connection(), domain.EventAdminNewSession, func(sess domain.ChatSession) {
		s.printf("[inbox] new chat %s from %s", sess.ID, sess.UserInfo.DisplayName())
	})
	defer live.Unsubscribe()

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	s.printf("type 'help' for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := s.Exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				s.printf("error: %s", describe(err))
			}
		}
	}
}

func describe(err error) string {
	switch {
	case errors.Is(err, transcript.ErrBlankMessage), errors.Is(err, transcript.ErrSessionClosed):
		return transcript.ErrorMessage(err)
	case errors.Is(err, inbox.ErrSessionNotWaiting):
		return inbox.ErrorMessage(err)
	}
	return err.Error()
}

// Exec runs one command line.
func (s *Shell) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	s.console.RecordActivity(presence.ActivityKey)
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		s.printf("%s", shellHelp)
		return nil
	case "quit", "exit":
		return errQuit
	case "status":
		s.printStatus()
		return nil
	case "reconnect":
		s.console.Connection().Reconnect()
		return nil
	case "logout":
		s.console.Logout("manual")
		return nil
	}

	if !s.console.SignedIn() {
		return ErrNoCredentials
	}
	switch cmd {
	case "list":
		s.printInbox(rest)
	case "refresh":
		if err := s.console.Inbox().Load(ctx); err != nil {
			return errors.New(inbox.ErrorMessage(err))
		}
		s.printInbox("")
	case "assign":
		if rest == "" {
			return errors.New("usage: assign <sessionId>")
		}
		if err := s.console.Assign(ctx, rest); err != nil {
			return err
		}
		s.printTranscript()
	case "open":
		if rest == "" {
			return errors.New("usage: open <sessionId>")
		}
		if _, err := s.console.OpenSession(ctx, rest); err != nil {
			return errors.New(transcript.ErrorMessage(err))
		}
		s.printTranscript()
	case "show":
		s.printTranscript()
	case "say":
		detail := s.console.Transcript()
		if detail == nil {
			return errors.New("no chat is open")
		}
		if _, err := detail.Send(rest); err != nil {
			return err
		}
	case "typing":
		if detail := s.console.Transcript(); detail != nil {
			detail.Keystroke()
		}
	case "end":
		detail := s.console.Transcript()
		if detail == nil {
			return errors.New("no chat is open")
		}
		reason := rest
		if reason == "" {
			reason = "resolved"
		}
		return detail.End(ctx, reason)
	case "close":
		s.console.CloseSession()
	case "away":
		if tr := s.console.Tracker(); tr != nil {
			tr.TabHidden()
		}
	case "back":
		if tr := s.console.Tracker(); tr != nil {
			tr.TabVisible()
		}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (s *Shell) printStatus() {
	s.printf("connection: %s", s.console.Connection().State())
	if tr := s.console.Tracker(); tr != nil {
		s.printf("presence: %s", tr.Status())
	}
	if agent, ok := s.console.Agent(); ok {
		s.printf("signed in as %s <%s>", agent.Name, agent.Email)
	} else {
		s.printf("signed out")
	}
}

func (s *Shell) printInbox(args string) {
	box := s.console.Inbox()
	status, search, _ := strings.Cut(args, " ")
	filter := inbox.ParseStatusFilter(status)
	if status != "" && string(filter) != strings.ToLower(status) {
		search = strings.TrimSpace(args)
	}
	counts := box.Counts()
	s.printf("%d chats, %d waiting, %d active", counts.Total, counts.Waiting, counts.Active)
	for _, sess := range box.Filter(filter, search) {
		last := ""
		if sess.LastMessage != nil {
			last = sess.LastMessage.Message
		}
		s.printf("  %-24s %-8s %-24s unread=%d %s", sess.ID, sess.Status, sess.UserInfo.DisplayName(), sess.UnreadCount, last)
	}
}

func (s *Shell) printTranscript() {
	detail := s.console.Transcript()
	if detail == nil {
		s.printf("no chat is open")
		return
	}
	s.printf("chat %s [%s] with %s", detail.SessionID(), detail.State(), detail.UserInfo().DisplayName())
	for _, m := range detail.Messages() {
		mark := ""
		if m.Status == domain.MessageSending || m.Status == domain.MessageFailed {
			mark = " (" + string(m.Status) + ")"
		}
		s.printf("  %s %-5s %s%s", m.Timestamp.Format("15:04:05"), m.SenderType, m.Message, mark)
	}
	if detail.RemoteTyping() {
		s.printf("  visitor is typing...")
	}
}
