package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/npezzotti/cotai-messaging/internal/auth"
	"github.com/npezzotti/cotai-messaging/internal/chat"
	"github.com/npezzotti/cotai-messaging/internal/compose"
	"github.com/npezzotti/cotai-messaging/internal/conversation"
	"github.com/npezzotti/cotai-messaging/internal/socket"
	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/urfave/cli/v2"
)

const helpText = `Commands:
  /older          load older messages
  /retry          repeat the last failed load
  /attach PATH    attach a file to the next message
  /detach N       remove attachment N
  /delete ID      delete a message
  /quit           leave
Anything else is sent as a message.`

func newSession(e *env) (*chat.Session, error) {
	s, err := chat.New(e.cfg, e.client, e.stats, e.log)
	if errors.Is(err, auth.ErrNoCredentials) {
		return nil, cli.Exit("not logged in, run: cotaichat login EMAIL", 1)
	}
	return s, err
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Open a conversation",
		ArgsUsage: "CONVERSATION_ID",
		Action:    runChat,
	}
}

func runChat(c *cli.Context) error {
	conversationId, err := strconv.Atoi(c.Args().First())
	if err != nil || conversationId <= 0 {
		return cli.Exit("a conversation id is required", 2)
	}

	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	s, err := newSession(e)
	if err != nil {
		return err
	}
	defer s.Close()

	expired := make(chan struct{})
	var once sync.Once
	e.client.OnSessionExpired(func() { once.Do(func() { close(expired) }) })

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		return err
	}

	v := newView(s, e.cfg.Messaging.ConsecutiveWindow)
	s.Engine().OnChange(v.render)
	s.Presence().OnChange(v.typing)
	s.Socket().OnConnectionChange(v.connection)

	if err := s.Open(ctx, conversationId); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case sig := <-sigs:
			e.log.Debug().Str("signal", sig.String()).Msg("received signal")
			return nil
		case <-expired:
			return cli.Exit("session expired, run: cotaichat login EMAIL", 1)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, s, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one line of input and reports whether to quit.
func handleLine(ctx context.Context, s *chat.Session, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")

	var err error
	switch cmd {
	case "/quit":
		return true
	case "/help":
		fmt.Println(helpText)
	case "/older":
		err = s.Engine().LoadOlder(ctx)
	case "/retry":
		err = s.Engine().Retry(ctx)
	case "/attach":
		var f types.Upload
		if f, err = compose.FileFromPath(arg); err == nil {
			if err = s.Composer().Attach(f); err == nil {
				fmt.Printf("attached %s (%d files)\n", f.Name, len(s.Composer().Draft().Files))
			}
		}
	case "/detach":
		var i int
		if i, err = strconv.Atoi(arg); err == nil {
			s.Composer().Detach(i - 1)
		}
	case "/delete":
		var id int
		if id, err = strconv.Atoi(arg); err == nil {
			err = s.Engine().DeleteMessage(ctx, id)
		}
	default:
		s.Composer().SetText(line)
		_, err = s.Composer().HandleKey(ctx, compose.Key{Code: compose.KeyEnter})
		if errors.Is(err, compose.ErrEmptyMessage) {
			err = nil
		}
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "! %s\n", err)
	}
	return false
}

// view prints the open conversation incrementally.
type view struct {
	s      *chat.Session
	window time.Duration

	mu      sync.Mutex
	printed map[int]struct{}
	lastDay time.Time
	loading bool
}

func newView(s *chat.Session, window time.Duration) *view {
	return &view{s: s, window: window, printed: make(map[int]struct{})}
}

func (v *view) render(snap conversation.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if snap.Loading && !v.loading {
		fmt.Println("… loading")
	}
	v.loading = snap.Loading
	if snap.Err != nil {
		fmt.Fprintf(os.Stderr, "! %s (type /retry)\n", snap.Err)
	}

	for _, day := range conversation.Group(snap.Messages, time.Local, v.window) {
		for _, entry := range day.Entries {
			m := entry.Message
			if _, ok := v.printed[m.Id]; ok {
				continue
			}
			v.printed[m.Id] = struct{}{}

			if !day.Day.Equal(v.lastDay) {
				fmt.Printf("── %s ──\n", day.Day.Format("Mon, 02 Jan 2006"))
				v.lastDay = day.Day
			}
			v.printMessage(entry)
		}
	}
}

func (v *view) printMessage(entry conversation.Entry) {
	m := entry.Message
	at := m.CreatedAt.Local().Format("15:04")

	if entry.Consecutive {
		fmt.Printf("        %s\n", m.Content)
	} else {
		name := m.Sender.DisplayName()
		if m.SenderId == v.s.Self() {
			name = "you"
		}
		fmt.Printf("%s %s [%d]: %s\n", at, name, m.Id, m.Content)
	}

	for _, a := range m.Attachments {
		fmt.Printf("        📎 %s (%d bytes)\n", a.FileName, a.FileSize)
	}
}

func (v *view) typing(conversationId int, userIds []int) {
	if conversationId != v.s.Engine().Active() || len(userIds) == 0 {
		return
	}

	names := make([]string, len(userIds))
	for i, id := range userIds {
		names[i] = "user " + strconv.Itoa(id)
	}
	if conv := v.s.Engine().Snapshot().Conversation; conv != nil {
		for i, id := range userIds {
			for _, m := range conv.Members {
				if m.Id == id {
					names[i] = m.DisplayName()
				}
			}
		}
	}
	fmt.Printf("   (%s typing…)\n", strings.Join(names, ", "))
}

func (v *view) connection(change socket.ConnectionChange) {
	if change.Connected {
		fmt.Println("● connected")
		return
	}
	if change.Err != nil {
		fmt.Printf("○ disconnected: %s\n", change.Err)
	}
}
