package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dohoonidot/aaa-client/internal/api"
	"github.com/dohoonidot/aaa-client/internal/chat"
	"github.com/dohoonidot/aaa-client/internal/config"
	"github.com/dohoonidot/aaa-client/internal/notify"
	"github.com/dohoonidot/aaa-client/internal/push"
	"github.com/dohoonidot/aaa-client/internal/stream"
	"github.com/dohoonidot/aaa-client/internal/trigger"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a chat message and stream the reply",
	Long: `Send a chat message to the backend and print the reply as it streams.

Leave and approval drafts embedded in the reply are shown as status lines.

Examples:
  aaa chat "I'd like to take next Friday off"
  aaa chat --archive-name "SAP어시스턴트" --module MM "How do I post a goods receipt?"
  aaa chat --json "Draft an approval for a laptop purchase"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archiveID, _ := cmd.Flags().GetString("archive-id")
		archiveName, _ := cmd.Flags().GetString("archive-name")
		model, _ := cmd.Flags().GetString("model")
		module, _ := cmd.Flags().GetString("module")
		webSearch, _ := cmd.Flags().GetBool("web-search")
		asJSON, _ := cmd.Flags().GetBool("json")
		approvalTypes, _ := cmd.Flags().GetStringSlice("approval-types")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Session.ID == "" {
			printWarning("No session stored; the backend may reject this request.")
		}
		logger := newLogger(cfg.Log.Level, os.Stderr)

		if archiveID == "" {
			archiveID = cfg.Chat.ArchiveID
		}
		if model == "" {
			model = cfg.Chat.Model
		}
		req := chat.Request{
			UserID:      cfg.Backend.UserID,
			ArchiveID:   archiveID,
			ArchiveName: archiveName,
			Message:     strings.Join(args, " "),
			Model:       model,
			Module:      module,
			WebSearch:   webSearch,
		}

		seg := stream.NewSegmenter(trigger.NewRouter(approvalTypes, logger), logger)
		client := chat.NewClient(cfg.Backend.BaseURL, cfg.Session.ID, seg, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if asJSON {
			err = runChatJSON(ctx, client, seg, req, os.Stdout)
		} else {
			err = runChat(ctx, client, req, os.Stdout)
		}
		return chatError(err)
	},
}

func init() {
	chatCmd.Flags().String("archive-id", "", "archive (conversation) id; defaults to chat.archive_id")
	chatCmd.Flags().String("archive-name", chat.ArchiveChatbot, "archive name, which selects the endpoint")
	chatCmd.Flags().String("model", "", "model id (gpt-5.2, gemini-pro-3, claude-sonnet-4.5); defaults to chat.model")
	chatCmd.Flags().String("module", "", "SAP module for SAP archives")
	chatCmd.Flags().Bool("web-search", false, "let the backend search the web")
	chatCmd.Flags().Bool("json", false, "print the ordered segments as JSON instead of streaming text")
	chatCmd.Flags().StringSlice("approval-types", nil, "approval types recognized as triggers (default hr_leave_grant)")
}

// runChat streams the reply text to w and reports triggers on stderr.
func runChat(ctx context.Context, client *chat.Client, req chat.Request, w io.Writer) error {
	_, err := client.Send(ctx, req, stream.Sinks{
		OnChunk:    func(text string) { fmt.Fprint(w, text) },
		OnLeave:    printLeaveTrigger,
		OnApproval: printApprovalTrigger,
	})
	fmt.Fprintln(w)
	return err
}

type chatResult struct {
	Segments  []stream.Segment `json:"segments"`
	FinalText string           `json:"final_text"`
}

// runChatJSON collects the whole reply and writes it as one JSON document.
func runChatJSON(ctx context.Context, client *chat.Client, seg *stream.Segmenter, req chat.Request, w io.Writer) error {
	rc, err := client.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer rc.Close()

	segs, final, err := seg.Collect(ctx, rc)
	if err != nil {
		return err
	}
	if segs == nil {
		segs = []stream.Segment{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(chatResult{Segments: segs, FinalText: final})
}

func chatError(err error) error {
	var se *chat.StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w (session rejected; run `aaa session login <id>`)", err)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// --- listen ---

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to the push channel and print notifications as they arrive",
	Long: `Connect directly to the backend push channel in the foreground and print each
new notification. Use "aaa start" instead to keep notifications in the local
store and history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ack, _ := cmd.Flags().GetBool("ack")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Session.ID == "" {
			return errors.New("no session stored; run `aaa session login <id>` or set AAA_SESSION_ID")
		}
		logger := newLogger(cfg.Log.Level, os.Stderr)

		var acker notify.Acker
		if ack {
			acker = push.NewHTTPAcker(cfg.Backend.BaseURL, cfg.Ack.Path, cfg.Session.ID)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return listen(ctx, newTransport(cfg, logger), acker, listenOptions{
			Capacity: cfg.Store.Capacity,
			Ack: notify.AckOptions{
				BatchSize:     cfg.Ack.BatchSize,
				FlushInterval: cfg.Ack.FlushInterval,
				Logger:        logger,
			},
			Logger: logger,
		}, os.Stdout)
	},
}

func init() {
	listenCmd.Flags().Bool("ack", false, "acknowledge each notification once printed")
}

type listenOptions struct {
	Capacity int
	Ack      notify.AckOptions
	Logger   *slog.Logger
}

// listen runs a channel over t until ctx is done or the transport stops for
// good, printing each new record to w. A non-nil acker acknowledges every
// printed record in batches.
func listen(ctx context.Context, t notify.Transport, acker notify.Acker, opts listenOptions, w io.Writer) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	store := notify.NewStore(opts.Capacity, opts.Logger)
	var acks *notify.AckBatcher
	if acker != nil {
		acks = notify.NewAckBatcher(acker, opts.Ack)
		defer acks.Destroy()
	}

	ch := notify.NewChannel(t, notify.ChannelOptions{
		OnStateChange: func(s notify.State) { printStep("Channel %s", s) },
		OnError: func(err error) {
			if push.IsTerminal(err) {
				cancel(err)
			}
		},
		Logger: opts.Logger,
	})
	ch.Subscribe(func(env notify.Envelope) {
		rec := notify.Decode(env)
		if !store.Add(rec) {
			return
		}
		printRecord(w, rec)
		if acks != nil {
			acks.Add(rec.ID)
		}
	})

	ch.Run(ctx)

	if acks != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer flushCancel()
		if n, err := acks.Flush(flushCtx); err != nil {
			printWarning("final acknowledgement failed: %v", err)
		} else if n > 0 {
			printSuccess("Acknowledged %d notifications", n)
		}
	}

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// --- notifications ---

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"n"},
	Short:   "Inspect and manage received notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications held by the running client",
	RunE: func(cmd *cobra.Command, args []string) error {
		unread, _ := cmd.Flags().GetBool("unread")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/notifications"
		if unread {
			path += "?unread=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list api.NotificationList
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list.Notifications) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, rec := range list.Notifications {
			printRecord(os.Stdout, rec)
		}
		fmt.Printf("\n%d notifications, %d unread\n", len(list.Notifications), list.Unread)
		return nil
	},
}

var notificationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one notification with its details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/notifications/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var detail api.NotificationDetail
		if err := decodeJSON(resp, &detail); err != nil {
			return err
		}
		printRecord(os.Stdout, detail.Notification)
		printDetails(os.Stdout, detail.Details)
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/notifications/"+url.PathEscape(args[0])+"/read", nil)
		if err != nil {
			return err
		}
		var result struct {
			Unread int `json:"unread"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Marked %s as read (%d unread)", args[0], result.Unread)
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/notifications/read-all", nil)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Marked %d notifications as read", result["changed"])
		return nil
	},
}

var notificationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/notifications/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Removed %s", args[0])
		return nil
	},
}

var notificationsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every notification",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This removes ALL notifications and acknowledges them. Use --confirm to proceed.")
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/notifications")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("All notifications removed")
		return nil
	},
}

var notificationsAckCmd = &cobra.Command{
	Use:   "ack <id>...",
	Short: "Queue acknowledgements for notification ids",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/notifications/ack", api.AckRequest{EventIDs: args})
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued %d acknowledgements (%d pending)", result["queued"], result["pending"])
		return nil
	},
}

var notificationsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List persisted notifications, including evicted ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		unacked, _ := cmd.Flags().GetBool("unacked")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if unacked {
			q.Set("unacked", "true")
		}
		resp, err := client.get(cmd.Context(), "/v1/history?"+q.Encode())
		if err != nil {
			return err
		}
		var entries []api.HistoryEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No history.")
			return nil
		}
		for _, e := range entries {
			acked := colorize(colorDim, "pending")
			if e.Acked {
				acked = colorize(colorGreen, "acked")
			}
			fmt.Printf("%s  %s  %-7s  %s\n", colorize(colorCyan, shortID(e.ID)), e.ReceivedAt, acked, e.Title)
		}
		return nil
	},
}

func init() {
	notificationsListCmd.Flags().Bool("unread", false, "only unread notifications")
	notificationsClearCmd.Flags().Bool("confirm", false, "confirm removal")
	notificationsHistoryCmd.Flags().Int("limit", 20, "maximum number of entries")
	notificationsHistoryCmd.Flags().Bool("unacked", false, "only entries not yet acknowledged")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsShowCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)
	notificationsCmd.AddCommand(notificationsDeleteCmd)
	notificationsCmd.AddCommand(notificationsClearCmd)
	notificationsCmd.AddCommand(notificationsAckCmd)
	notificationsCmd.AddCommand(notificationsHistoryCmd)
}

// --- channel ---

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Show or toggle the push channel of the running client",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/channel")
		if err != nil {
			return err
		}
		return printChannel(resp)
	},
}

var channelEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Connect (or reconnect) the push channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setChannel(cmd.Context(), true)
	},
}

var channelDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disconnect the push channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setChannel(cmd.Context(), false)
	},
}

func init() {
	channelCmd.AddCommand(channelEnableCmd)
	channelCmd.AddCommand(channelDisableCmd)
}

func setChannel(ctx context.Context, enabled bool) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(ctx, "/v1/channel", map[string]bool{"enabled": enabled})
	if err != nil {
		return err
	}
	return printChannel(resp)
}

func printChannel(resp *http.Response) error {
	var st api.ChannelStatus
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printStatus("Push channel", "%s (%s)", st.State, enabledLabel(st.Enabled))
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Store or remove the backend session id",
}

var sessionLoginCmd = &cobra.Command{
	Use:   "login <session-id>",
	Short: "Store the backend session id in the system keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ring, err := config.OpenKeyring()
		if err != nil {
			return err
		}
		if err := config.SaveSession(ring, strings.TrimSpace(args[0])); err != nil {
			return err
		}
		printSuccess("Session stored")
		printStep("Restart a running client (`aaa stop && aaa start`) to reconnect with it")
		return nil
	},
}

var sessionLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session id",
	RunE: func(cmd *cobra.Command, args []string) error {
		ring, err := config.OpenKeyring()
		if err != nil {
			return err
		}
		if err := config.ClearSession(ring); err != nil {
			return err
		}
		// A running client keeps its old session; stop its channel so it does
		// not keep receiving on behalf of a logged-out user.
		if client, err := newAPIClient(); err == nil {
			client.httpClient.Timeout = 2 * time.Second
			if resp, err := client.post(cmd.Context(), "/v1/channel", map[string]bool{"enabled": false}); err == nil {
				resp.Body.Close()
			}
		}
		printSuccess("Session removed")
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionLoginCmd)
	sessionCmd.AddCommand(sessionLogoutCmd)
}
