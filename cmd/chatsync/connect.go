package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	chatsync "github.com/gauravmindaptix26/frontend-chat"
)

var (
	connectMetricsAddr string
	connectHistory     int
)

func init() {
	connectCmd.Flags().StringVar(&connectMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	connectCmd.Flags().IntVar(&connectHistory, "history", chatsync.DefaultHistoryLimit, "Messages loaded per conversation")
	rootCmd.AddCommand(connectCmd)
}

const connectHelp = `Commands:
  <text>                  send to the open conversation
  /list                   list conversations
  /open <type>:<id>       open a conversation (peer:<id> or room:<id>)
  /chat <email>           start a one-to-one chat
  /history                print the open conversation
  /reply <n>              quote message n in the next send
  /unreply                drop the pending quote
  /react <n> <emoji>      toggle a reaction on message n
  /delete <n>             delete message n for me
  /revoke <n>             delete message n for everyone
  /forward <n> <conv>     forward message n to another conversation
  /typing                 send a typing signal
  /search <query>         search the user directory
  /quit                   leave`

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open an interactive chat session",
	Long:  "Connect to the chat gateway, restore the last conversation and read commands from stdin.\n\n" + connectHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.GatewayURL == "" {
			return fmt.Errorf("no gateway configured; run 'chatsync config set default.gateway_url <url>'")
		}
		auth, err := newAuth(cfg)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log)
		client := newClient(cfg, logger)

		kv, err := openKV(cfg)
		if err != nil {
			return err
		}
		defer kv.Close()

		var metrics *chatsync.Metrics
		if connectMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = chatsync.NewMetrics(reg)
			srv := serveMetrics(connectMetricsAddr, reg, logger)
			defer srv.Close()
		}

		engine := chatsync.NewEngine(
			chatsync.NewCacheStore(kv, chatsync.WithCacheLogger(logger)),
			chatsync.WithEngineLogger(logger),
			chatsync.WithMetrics(metrics),
		)
		session := chatsync.NewSession(
			client,
			auth,
			chatsync.WSTransportFactory(chatsync.WSConfig{URL: cfg.Default.GatewayURL, Logger: logger}),
			engine,
			chatsync.WithSessionLogger(logger),
			chatsync.WithHistoryLimit(connectHistory),
		)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		term := newTerminal(cmd.OutOrStdout(), engine)
		auth.OnSignOut = stop
		term.watch()

		if err := session.Start(ctx); err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := session.Close(closeCtx); err != nil {
				logger.Warn("session.close_failed", "error", err)
			}
		}()

		term.printf("Connected as %s. Type /help for commands.\n", session.Identity().NormalizedID)
		repl := &repl{term: term, session: session, coord: chatsync.NewCoordinator(session), users: client}
		return repl.run(ctx, cmd.InOrStdin())
	},
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics.serve_failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

// ============================================================================
// Output
// ============================================================================

// terminal prints engine changes for the open conversation.
type terminal struct {
	mu      sync.Mutex
	out     io.Writer
	engine  *chatsync.Engine
	printed map[chatsync.ConversationKey]int
}

func newTerminal(out io.Writer, engine *chatsync.Engine) *terminal {
	return &terminal{out: out, engine: engine, printed: make(map[chatsync.ConversationKey]int)}
}

func (t *terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) watch() {
	t.engine.On(chatsync.ChangeSession, func(c chatsync.Change) {
		switch c.Session.Status {
		case chatsync.StatusError, chatsync.StatusDuplicate:
			t.printf("! %s\n", c.Session.Err)
		case chatsync.StatusConnected:
			t.printf("* connected\n")
		}
	})
	t.engine.On(chatsync.ChangeMessages, func(c chatsync.Change) {
		if c.Conversation != t.engine.Active() {
			return
		}
		t.printNew(c.Conversation)
	})
	t.engine.On(chatsync.ChangeTyping, func(c chatsync.Change) {
		if sig, ok := t.engine.Typing(c.Conversation); ok && c.Conversation == t.engine.Active() {
			t.printf("  %s is typing...\n", sig.Label)
		}
	})
}

// printNew prints the confirmed messages of k that were not printed yet.
func (t *terminal) printNew(k chatsync.ConversationKey) {
	msgs := t.engine.Messages(k)
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.printed[k]
	if from > len(msgs) {
		from = len(msgs)
	}
	for i := from; i < len(msgs); i++ {
		if msgs[i].ID.Pending() {
			break
		}
		printIndexed(t.out, i, msgs[i])
		t.printed[k] = i + 1
	}
}

func (t *terminal) printAll(k chatsync.ConversationKey) {
	msgs := t.engine.Messages(k)
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range msgs {
		printIndexed(t.out, i, m)
	}
	t.printed[k] = len(msgs)
}

func printIndexed(out io.Writer, i int, m chatsync.Message) {
	fmt.Fprintf(out, "%3d ", i)
	printMessage(out, m)
}

func printMessage(out io.Writer, m chatsync.Message) {
	if reply, ok := chatsync.ReplyOf(m); ok {
		fmt.Fprintf(out, "    > %s: %s\n", reply.Sender, reply.Text)
	}
	fmt.Fprintf(out, "[%s] %s: %s", formatTime(m.Timestamp), m.SenderID, m.Body)
	if m.ID.Pending() {
		fmt.Fprint(out, " (sending)")
	}
	for _, r := range chatsync.SummarizeReactions(m.Reactions, "") {
		fmt.Fprintf(out, " %s%d", r.Emoji, r.Count)
	}
	fmt.Fprintln(out)
}

// ============================================================================
// Input
// ============================================================================

type repl struct {
	term    *terminal
	session *chatsync.Session
	coord   *chatsync.Coordinator
	users   chatsync.UserSearcher
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return r.session.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				r.term.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *repl) message(arg string) (chatsync.Message, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return chatsync.Message{}, fmt.Errorf("invalid message number %q", arg)
	}
	msgs := r.session.Engine().Messages(r.session.Engine().Active())
	if n < 0 || n >= len(msgs) {
		return chatsync.Message{}, fmt.Errorf("no message %d", n)
	}
	return msgs[n], nil
}

func (r *repl) handle(ctx context.Context, line string) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := r.coord.Send(ctx, chatsync.Draft{Body: line})
		return false, err
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s); see /help", cmd, n)
		}
		return nil
	}
	engine := r.session.Engine()

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.term.printf("%s\n", connectHelp)
	case "/list":
		active := engine.Active()
		for _, c := range engine.Conversations() {
			marker := " "
			if c.Key == active {
				marker = "*"
			}
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Body
			}
			r.term.printf("%s %s:%s %-24s unread=%d  %s\n", marker, c.Key.Type, c.Key.ID, c.Title, c.UnreadCount, last)
		}
	case "/open":
		if err := need(1); err != nil {
			return false, err
		}
		k, err := chatsync.ParseConversationKey(args[0])
		if err != nil {
			return false, err
		}
		if err := r.coord.Open(ctx, k); err != nil {
			return false, err
		}
		r.term.printAll(k)
	case "/chat":
		if err := need(1); err != nil {
			return false, err
		}
		k, err := r.coord.StartChat(ctx, args[0])
		if err != nil {
			return false, err
		}
		r.term.printAll(k)
	case "/history":
		r.term.printAll(engine.Active())
	case "/reply":
		if err := need(1); err != nil {
			return false, err
		}
		m, err := r.message(args[0])
		if err != nil {
			return false, err
		}
		r.coord.SetReplyTo(m)
	case "/unreply":
		r.coord.ClearReply()
	case "/react":
		if err := need(2); err != nil {
			return false, err
		}
		m, err := r.message(args[0])
		if err != nil {
			return false, err
		}
		r.coord.React(ctx, m, args[1])
	case "/delete":
		if err := need(1); err != nil {
			return false, err
		}
		m, err := r.message(args[0])
		if err != nil {
			return false, err
		}
		if r.coord.DeleteForMe(m) {
			r.term.printAll(engine.Active())
		}
	case "/revoke":
		if err := need(1); err != nil {
			return false, err
		}
		m, err := r.message(args[0])
		if err != nil {
			return false, err
		}
		r.coord.DeleteForAll(ctx, m)
	case "/forward":
		if err := need(2); err != nil {
			return false, err
		}
		m, err := r.message(args[0])
		if err != nil {
			return false, err
		}
		k, err := chatsync.ParseConversationKey(args[1])
		if err != nil {
			return false, err
		}
		if err := r.coord.Open(ctx, k); err != nil {
			return false, err
		}
		r.term.printAll(k)
		_, err = r.coord.Forward(ctx, m)
		return false, err
	case "/typing":
		r.coord.SendTyping(ctx)
	case "/search":
		if err := need(1); err != nil {
			return false, err
		}
		users, err := r.coord.SearchUsers(ctx, r.users, strings.Join(args, " "))
		if err != nil {
			return false, err
		}
		for _, u := range users {
			r.term.printf("  %-24s %-32s %s\n", u.UserID, u.Email, u.Name)
		}
	default:
		return false, fmt.Errorf("unknown command %s; see /help", cmd)
	}
	return false, nil
}
