package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mahaj/support-chat/pkg/api"
	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/topic"
	"github.com/mahaj/support-chat/pkg/transport"
	"github.com/mahaj/support-chat/pkg/view"
)

type chat struct {
	ctx    context.Context
	self   model.Participant
	role   model.SenderType
	api    *api.Client
	conn   *transport.Conn
	reg    *topic.Registry[*transport.Subscription]
	logger *slog.Logger

	mu      sync.Mutex
	session *view.Session
	typing  *view.TypingNotifier
	console *view.Console
}

func main() {
	serverAddr := flag.String("addr", "http://localhost:8080", "server address")
	userID := flag.String("user", "user1", "user id")
	name := flag.String("name", "", "display name")
	role := flag.String("role", "customer", "customer or admin")
	subject := flag.String("subject", "", "start a conversation with this subject (customer)")
	convID := flag.String("conversation", "", "open an existing conversation")
	verbose := flag.Bool("v", false, "log transport events")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := &chat{
		ctx:    ctx,
		self:   model.Participant{ID: *userID, Name: *name},
		role:   model.SenderType(strings.ToUpper(*role)),
		api:    api.NewClient(*serverAddr, nil),
		logger: logger,
	}
	if !c.role.Valid() {
		log.Fatalf("unknown role %q", *role)
	}

	log.Printf("Logging in as %s...", *userID)
	res, err := c.api.Login(ctx, c.self, c.role)
	if err != nil {
		log.Fatal("Login failed:", err)
	}
	c.self.Name = res.Name

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*serverAddr, "/"), "http") + "/ws"
	var wasConnected atomic.Bool
	c.conn = transport.New(transport.Options{
		URL:    wsURL,
		Token:  res.Token,
		Logger: logger,
		OnStateChange: func(s transport.State) {
			fmt.Printf("\r[%s]\n> ", s)
			if s == transport.StateConnected && wasConnected.Swap(true) {
				go c.reload()
			}
		},
		OnError: func(msg string) { fmt.Printf("\r! %s\n> ", msg) },
	})
	c.reg = topic.NewRegistry[*transport.Subscription](c.conn)
	if err := c.conn.Connect(ctx); err != nil {
		log.Fatal("connect:", err)
	}
	defer c.conn.Close()

	switch {
	case *convID != "":
		c.open(*convID)
	case c.role == model.SenderCustomer && *subject != "":
		conv, err := c.api.Start(ctx, *subject)
		if err != nil {
			log.Fatal("start:", err)
		}
		c.open(conv.ID)
	case c.role == model.SenderAdmin:
		c.bindConsole()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			c.closeAll()
			return
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				c.closeAll()
				return
			}
			if err := c.command(line); err != nil {
				fmt.Printf("! %v\n", err)
			}
			fmt.Print("> ")
		}
	}
}

func (c *chat) command(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/help":
		fmt.Println(help)
		return nil
	case "/typing":
		if n := c.notifier(); n != nil {
			n.Keystroke()
		}
		return nil
	case "/history":
		convs, err := c.history()
		if err != nil {
			return err
		}
		for _, conv := range convs {
			fmt.Printf("  %s  %-11s %s\n", conv.ID, conv.Status, conv.Subject)
		}
		return nil
	case "/open":
		c.open(arg)
		return nil
	case "/start":
		conv, err := c.api.Start(c.ctx, arg)
		if err != nil {
			return err
		}
		c.open(conv.ID)
		return nil
	case "/queue":
		c.printQueue()
		return nil
	case "/accept":
		if c.console == nil {
			return fmt.Errorf("only agents can accept")
		}
		if err := c.console.Accept(c.ctx, c.api, arg); err != nil {
			return err
		}
		c.open(arg)
		return nil
	case "/leave", "/solve", "/close":
		return c.transition(cmd)
	}
	if strings.HasPrefix(cmd, "/") {
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}

	s := c.current()
	if s == nil {
		return fmt.Errorf("no open conversation")
	}
	if n := c.notifier(); n != nil {
		n.Stop()
	}
	return s.Send(line)
}

const help = `commands:
  /start <subject>   start a conversation (customer)
  /history           list your conversations
  /open <id>         open a conversation
  /queue             show the agent queue
  /accept <id>       claim a conversation (agent)
  /leave /solve      hand back or resolve the open conversation (agent)
  /close             close the open conversation
  /typing            send a typing pulse
  /quit`

func (c *chat) history() ([]*model.Conversation, error) {
	if c.role == model.SenderAdmin {
		return c.api.ListByAdmin(c.ctx, c.self.ID)
	}
	return c.api.ListByCustomer(c.ctx, c.self.ID)
}

func (c *chat) transition(cmd string) error {
	s := c.current()
	if s == nil {
		return fmt.Errorf("no open conversation")
	}
	var id string
	s.View(func(v *view.ConversationView) { id = v.ID() })

	var err error
	switch cmd {
	case "/leave":
		_, err = c.api.Leave(c.ctx, id)
	case "/solve":
		_, err = c.api.Solve(c.ctx, id)
	case "/close":
		_, err = c.api.Close(c.ctx, id)
	}
	return err
}

func (c *chat) open(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.typing.Stop()
		c.session.Close()
	}

	r := &renderer{printed: make(map[int64]bool)}
	c.session = view.Bind(c.ctx, view.SessionOptions{
		ConversationID: id,
		Viewer:         c.role,
		Registrar:      c.reg,
		Loader:         c.api,
		Marker:         c.api,
		Publisher:      c.conn,
		Logger:         c.logger,
		OnChange:       r.render,
	})
	c.typing = c.session.Typing()
	c.session.Focus(true)
	go c.session.Run(c.ctx)
	fmt.Printf("opened %s\n", id)
}

func (c *chat) bindConsole() {
	c.console = view.NewConsole(view.ConsoleOptions{
		Self:      c.self,
		Registrar: c.reg,
		Loader:    c.api,
		Logger:    c.logger,
		OnNotice: func(n view.Notice) {
			fmt.Printf("\r* %s\n> ", n.Message)
		},
		OnChange: func() {
			fmt.Printf("\r[queue: %d waiting for an agent]\n> ", c.console.Badge.Count())
		},
	})
	if err := c.console.Bind(c.ctx); err != nil {
		log.Printf("load queue: %v (retrying in the background)", err)
	}
}

func (c *chat) printQueue() {
	if c.console == nil {
		fmt.Println("no queue for customers")
		return
	}
	for _, s := range view.Buckets {
		items := c.console.Queue.Bucket(s)
		fmt.Printf("%s (%d)\n", s, len(items))
		for _, ev := range items {
			mine := ""
			if c.console.Queue.Mine(ev.ConversationID) {
				mine = " *"
			}
			fmt.Printf("  %s  %s%s\n", ev.ConversationID, ev.Subject, mine)
		}
	}
}

// reload refreshes snapshots after the transport reconnects.
func (c *chat) reload() {
	if s := c.current(); s != nil {
		s.Reload(c.ctx)
	}
	if c.console != nil {
		if err := c.console.Reload(c.ctx); err != nil {
			c.logger.Warn("reload queue failed, retrying", "error", err)
		}
	}
}

func (c *chat) current() *view.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *chat) notifier() *view.TypingNotifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

func (c *chat) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.typing.Stop()
		c.session.Close()
	}
	if c.console != nil {
		c.console.Close()
	}
}
