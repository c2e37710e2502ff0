package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"livechat-widget/internal/app"
	"livechat-widget/internal/domain"
	"livechat-widget/internal/transport"
	"livechat-widget/internal/widget"

	"github.com/urfave/cli/v2"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with the helpdesk as a visitor",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Visitor display name"},
			&cli.StringFlag{Name: "email", Usage: "Visitor email"},
		},
		Action: runChat,
	}
}

const chatHelp = `Commands:
  /open /close /min     widget visibility
  /attach PATH          send a file
  /reconnect            reopen the connection after it gave up
  /end                  end the conversation
  /quit                 leave, keeping the session for next time
Anything else is sent as a message; the first one starts the conversation.`

func runChat(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	console := newConsole(os.Stdout)
	a, err := app.New(cfg, logger, widget.WithPresenter(console))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing widget")
		}
	}()

	if err := a.Widget.Init(ctx); err != nil {
		return err
	}
	a.Widget.Open()
	fmt.Fprintln(os.Stdout, chatHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	form := widget.PreChatForm{Name: c.String("name"), Email: c.String("email")}
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, a.Widget, form, line); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, w *widget.Widget, form widget.PreChatForm, line string) bool {
	line = strings.TrimSpace(line)
	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "":
		return false
	case "/quit":
		return true
	case "/open":
		w.Open()
	case "/close":
		w.Close()
	case "/min":
		w.Minimize()
	case "/end":
		err = w.EndChat(ctx)
	case "/reconnect":
		err = w.Reconnect()
	case "/attach":
		err = attach(ctx, w, strings.TrimSpace(arg))
	default:
		if w.Snapshot().Session == nil {
			form.Message = line
			err = w.StartSession(ctx, form)
		} else {
			w.Typing()
			err = w.SendMessage(ctx, line)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stdout, "! %s\n", err)
	}
	return false
}

func attach(ctx context.Context, w *widget.Widget, path string) error {
	if path == "" {
		return errors.New("usage: /attach PATH")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return w.SendAttachment(ctx, transport.Upload{Name: filepath.Base(path), Size: info.Size(), Body: f})
}

// console prints the widget state as a running transcript.
type console struct {
	out io.Writer

	mu      sync.Mutex
	printed map[string]bool
	conn    widget.ConnectionStatus
	typing  bool
	err     error
}

func newConsole(out io.Writer) *console {
	return &console{out: out, printed: make(map[string]bool)}
}

func (c *console) Render(state widget.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state.Connection != c.conn {
		c.conn = state.Connection
		fmt.Fprintf(c.out, "-- %s\n", state.Connection)
	}
	if state.AgentTyping && !c.typing {
		name := "Agent"
		if state.Agent != nil {
			name = state.Agent.Name
		}
		fmt.Fprintf(c.out, "-- %s is typing...\n", name)
	}
	c.typing = state.AgentTyping
	for _, msg := range state.Messages {
		if c.printed[msg.ID] {
			continue
		}
		c.printed[msg.ID] = true
		fmt.Fprintln(c.out, formatMessage(msg))
	}
	if state.Err != nil && !errors.Is(state.Err, c.err) {
		fmt.Fprintf(c.out, "! %s\n", state.Err)
	}
	c.err = state.Err
}

func (c *console) Notify(domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, "\a")
}

func formatMessage(msg domain.Message) string {
	who := msg.SenderName
	if who == "" {
		who = strings.ToLower(string(msg.SenderType))
	}
	at := ""
	if !msg.CreatedAt.IsZero() {
		at = msg.CreatedAt.Local().Format("15:04") + " "
	}
	if msg.AttachmentURL != "" {
		return fmt.Sprintf("%s[%s] %s (%s)", at, who, msg.Content, msg.AttachmentURL)
	}
	return fmt.Sprintf("%s[%s] %s", at, who, msg.Content)
}
