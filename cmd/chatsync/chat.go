package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	chatsync "github.com/Prismer-AI/chatsync"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	convListJSON   bool
	convListUnread bool

	// conversations create
	convCreateName string
	convCreateJSON bool

	// history
	historyJSON bool

	// send
	sendFiles   []string
	sendReplyTo string

	// users search
	usersSearchJSON bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List, create and manage conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getAuthedClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		self, err := selfID(ctx, client, cfg)
		if err != nil {
			return err
		}
		dir := chatsync.NewDirectory(self)
		if err := dir.Load(ctx, client.DataAPI()); err != nil {
			return err
		}

		if convListJSON {
			return printJSON(dir.List())
		}

		rows := dir.Rows(time.Now())
		if len(rows) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, r := range rows {
			if convListUnread && r.Unread == 0 {
				continue
			}
			badge := ""
			if r.Unread > 0 {
				badge = fmt.Sprintf(" (%d)", r.Unread)
			}
			online := " "
			if r.Online {
				online = "●"
			}
			fmt.Printf("%s [%s] %-4s %s%s  %s  %s\n", online, r.ID, r.Avatar.Initials, r.Title, badge, r.Preview, r.LastUpdated)
		}
		return nil
	},
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create <user-id>...",
	Short: "Start a direct or group conversation",
	Long:  "Start a conversation with one user (direct) or several (group). An existing direct conversation is returned instead of a duplicate.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthedClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		req := &chatsync.CreateConversationRequest{Name: convCreateName, Kind: chatsync.KindDirect}
		for _, a := range args {
			req.ParticipantIDs = append(req.ParticipantIDs, chatsync.ID(a))
		}
		if len(args) > 1 || convCreateName != "" {
			req.Kind = chatsync.KindGroup
		}

		conv, err := client.Conversations.Create(ctx, req)
		if err != nil {
			return errors.Wrap(err, "failed to create conversation")
		}
		if convCreateJSON {
			return printJSON(conv)
		}
		fmt.Printf("Conversation %s (%s) ready\n", conv.ID, conv.Kind)
		return nil
	},
}

var conversationsAddCmd = &cobra.Command{
	Use:   "add <conversation-id> <user-id>...",
	Short: "Add users to a group conversation (admins only)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := chatsync.ID(args[0])
		var users []chatsync.User
		for _, a := range args[1:] {
			users = append(users, chatsync.User{ID: chatsync.ID(a)})
		}
		return withDirectory(func(ctx context.Context, api chatsync.DataAPI, dir *chatsync.Directory, self chatsync.ID) error {
			added, err := dir.AddParticipants(ctx, api, id, users)
			if err != nil {
				return err
			}
			if len(added) == 0 {
				fmt.Println("Everyone is already a member.")
				return nil
			}
			fmt.Printf("Added %d participant(s) to conversation %s\n", len(added), id)
			return dir.Load(ctx, api)
		}, id)
	},
}

var conversationsRemoveCmd = &cobra.Command{
	Use:   "remove <conversation-id> <user-id>",
	Short: "Remove a user from a group conversation (admins only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := chatsync.ID(args[0])
		return withDirectory(func(ctx context.Context, api chatsync.DataAPI, dir *chatsync.Directory, self chatsync.ID) error {
			if err := dir.RemoveParticipant(ctx, api, id, chatsync.ID(args[1])); err != nil {
				return err
			}
			fmt.Printf("Removed user %s from conversation %s\n", args[1], id)
			return nil
		}, id)
	},
}

var conversationsLeaveCmd = &cobra.Command{
	Use:   "leave <conversation-id>",
	Short: "Leave a group conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := chatsync.ID(args[0])
		return withDirectory(func(ctx context.Context, api chatsync.DataAPI, dir *chatsync.Directory, self chatsync.ID) error {
			if err := dir.RemoveParticipant(ctx, api, id, self); err != nil {
				return err
			}
			fmt.Printf("Left conversation %s\n", id)
			return nil
		}, "")
	},
}

// withDirectory loads the directory and runs fn against it. When show is set
// the conversation's members are printed afterwards.
func withDirectory(fn func(context.Context, chatsync.DataAPI, *chatsync.Directory, chatsync.ID) error, show chatsync.ID) error {
	client, cfg := getAuthedClient()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	self, err := selfID(ctx, client, cfg)
	if err != nil {
		return err
	}
	api := client.DataAPI()
	dir := chatsync.NewDirectory(self)
	if err := dir.Load(ctx, api); err != nil {
		return err
	}
	if err := fn(ctx, api, dir, self); err != nil {
		return err
	}
	if show == "" {
		return nil
	}
	conv, ok := dir.Get(show)
	if !ok {
		return nil
	}
	var names []string
	for _, p := range conv.Participants {
		names = append(names, p.Username)
	}
	fmt.Printf("%s: %s\n", chatsync.DisplayName(&conv, self), strings.Join(names, ", "))
	return nil
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the number of unread messages across all conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAuthedClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		n, err := client.Conversations.UnreadCount(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to fetch unread count")
		}
		fmt.Println(n)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's history grouped by day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := chatsync.ID(args[0])
		client, cfg := getAuthedClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		self, err := selfID(ctx, client, cfg)
		if err != nil {
			return err
		}
		msgs, err := client.Messages.History(ctx, id)
		if err != nil {
			return errors.Wrap(err, "failed to load history")
		}

		tl := chatsync.NewTimeline(self)
		tl.LoadHistory(id, msgs)
		if historyJSON {
			return printJSON(tl.Messages())
		}
		if tl.Len() == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, g := range tl.Groups(time.Now()) {
			fmt.Printf("── %s ──\n", g.Header)
			for _, m := range g.Messages {
				printMessage(tl.Render(m))
			}
		}
		return nil
	},
}

func printMessage(v chatsync.MessageView) {
	sender := v.Sender
	if v.Mine {
		sender = "You"
	}
	if v.Reply != "" {
		fmt.Printf("        ↪ %s\n", v.Reply)
	}
	edited := ""
	if v.Edited && !v.Deleted {
		edited = " (edited)"
	}
	fmt.Printf("  %s  %s: %s%s\n", v.Time, sender, v.Body, edited)
	for _, a := range v.Attachments {
		fmt.Printf("        %s\n", a)
	}
	if v.Mine && len(v.ReadBy) > 0 {
		fmt.Printf("        seen by %s\n", strings.Join(v.ReadBy, ", "))
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [message]",
	Short: "Send a message, optionally with attachments",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := chatsync.ID(args[0])
		client, cfg := getAuthedClient()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		self, err := selfID(ctx, client, cfg)
		if err != nil {
			return err
		}
		engine := chatsync.NewEngine(client.DataAPI(), chatsync.EngineOptions{
			Self:      self,
			Transport: chatsync.TransportConfig{DisableReconnect: true, HeartbeatInterval: -1},
		})
		defer engine.Close()

		if err := engine.Start(ctx); err != nil {
			return err
		}
		if err := engine.Select(ctx, id); err != nil {
			return err
		}

		composer := engine.Composer()
		for _, path := range sendFiles {
			f, err := composer.StageFile(path)
			if err != nil {
				return err
			}
			fmt.Printf("Attached %s\n", f.Label())
		}
		if sendReplyTo != "" {
			target, ok := engine.Timeline().Get(chatsync.ID(sendReplyTo))
			if !ok {
				return errors.Errorf("message %s not found in conversation %s", sendReplyTo, id)
			}
			composer.SetReplyTo(target)
		}
		if len(args) == 2 {
			composer.SetDraft(args[1])
		}
		if strings.TrimSpace(composer.Draft()) == "" && len(composer.StagedFiles()) == 0 {
			return errors.New("nothing to send: give a message or --file")
		}
		if err := composer.Send(ctx); err != nil {
			return err
		}
		fmt.Printf("Message sent to conversation %s\n", id)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live and chat from stdin",
	Long: `Open a conversation, print its history and follow new messages, typing
and presence. Lines typed on stdin are sent as messages. Commands:
  /reply <message-id>        reply to a message with the next line
  /edit <message-id> <text>  edit one of your messages
  /delete <message-id>       delete one of your messages
  /file <path>               attach a file to the next message
  /quit                      leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := chatsync.ID(args[0])
		client, cfg := getAuthedClient()

		ctx, stop := signalContext()
		defer stop()

		self, err := selfID(ctx, client, cfg)
		if err != nil {
			return err
		}
		engine := chatsync.NewEngine(client.DataAPI(), chatsync.EngineOptions{Self: self})
		defer engine.Close()

		w := &watcher{engine: engine, seen: make(map[chatsync.ID]bool)}
		engine.OnChange(w.onChange)

		if err := engine.Start(ctx); err != nil {
			return err
		}
		if err := engine.Select(ctx, id); err != nil {
			fmt.Printf("! %v\n", err)
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := w.handleLine(ctx, line); quit {
					return nil
				}
			}
		}
	},
}

type watcher struct {
	engine *chatsync.Engine

	mu         sync.Mutex
	seen       map[chatsync.ID]bool
	lastTyping string
	lastConn   chatsync.TransportState
}

func (w *watcher) onChange(ch chatsync.Change) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch ch.Kind {
	case chatsync.ChangeSelection:
		w.seen = make(map[chatsync.ID]bool)
	case chatsync.ChangeTimeline:
		tl := w.engine.Timeline()
		for _, m := range tl.Messages() {
			if w.seen[m.ID] {
				continue
			}
			w.seen[m.ID] = true
			printMessage(tl.Render(m))
		}
	case chatsync.ChangeTyping:
		if ind := w.engine.TypingIndicator(); ind != w.lastTyping {
			w.lastTyping = ind
			if ind != "" {
				fmt.Printf("  … %s\n", ind)
			}
		}
	case chatsync.ChangePresence:
		fmt.Printf("  • %s\n", w.engine.StatusLabel())
	case chatsync.ChangeConnection:
		if st := w.engine.ConnectionState(); st != w.lastConn {
			w.lastConn = st
			fmt.Printf("  [%s]\n", st)
		}
	case chatsync.ChangeError:
		fmt.Printf("! %v\n", ch.Err)
	}
}

func (w *watcher) handleLine(ctx context.Context, line string) (quit bool) {
	composer := w.engine.Composer()
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "/") {
		var err error
		switch fields[0] {
		case "/quit":
			return true
		case "/reply":
			if len(fields) < 2 {
				err = errors.New("usage: /reply <message-id>")
				break
			}
			target, ok := w.engine.Timeline().Get(chatsync.ID(fields[1]))
			if !ok {
				err = errors.Errorf("unknown message %s", fields[1])
				break
			}
			composer.SetReplyTo(target)
		case "/edit":
			if len(fields) < 3 {
				err = errors.New("usage: /edit <message-id> <text>")
				break
			}
			err = w.engine.EditMessage(ctx, chatsync.ID(fields[1]), strings.Join(fields[2:], " "))
		case "/delete":
			if len(fields) < 2 {
				err = errors.New("usage: /delete <message-id>")
				break
			}
			err = w.engine.DeleteMessage(ctx, chatsync.ID(fields[1]))
		case "/file":
			if len(fields) < 2 {
				err = errors.New("usage: /file <path>")
				break
			}
			var f chatsync.StagedFile
			if f, err = composer.StageFile(strings.Join(fields[1:], " ")); err == nil {
				fmt.Printf("  + %s\n", f.Label())
			}
		default:
			err = errors.Errorf("unknown command %s", fields[0])
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
		return false
	}

	composer.SetDraft(line)
	if err := composer.Send(ctx); err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Look up users",
}

var usersSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search users by username",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getAuthedClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		self, err := selfID(ctx, client, cfg)
		if err != nil {
			return err
		}
		engine := chatsync.NewEngine(client.DataAPI(), chatsync.EngineOptions{Self: self})
		defer engine.Close()

		users, err := engine.SearchUsers(ctx, args[0])
		if err != nil {
			return err
		}
		if usersSearchJSON {
			return printJSON(users)
		}
		if len([]rune(strings.TrimSpace(args[0]))) < chatsync.MinSearchLength {
			fmt.Printf("Type at least %d characters to search.\n", chatsync.MinSearchLength)
			return nil
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			status := "offline"
			if u.IsOnline {
				status = "online"
			}
			fmt.Printf("  [%s] %-4s %s (%s)\n", u.ID, u.Initials(), u.Username, status)
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsListCmd.Flags().BoolVar(&convListJSON, "json", false, "Output raw JSON")
	conversationsListCmd.Flags().BoolVar(&convListUnread, "unread", false, "Show only unread conversations")

	conversationsCreateCmd.Flags().StringVar(&convCreateName, "name", "", "Group name (makes the conversation a group)")
	conversationsCreateCmd.Flags().BoolVar(&convCreateJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "Attach a file (repeatable)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Reply to the given message id")

	usersSearchCmd.Flags().BoolVar(&usersSearchJSON, "json", false, "Output raw JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsCmd.AddCommand(conversationsAddCmd)
	conversationsCmd.AddCommand(conversationsRemoveCmd)
	conversationsCmd.AddCommand(conversationsLeaveCmd)
	usersCmd.AddCommand(usersSearchCmd)

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(usersCmd)
}
