package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/maildispatch/internal/receiver"
)

// addClientFlags registers the flags shared by all receiver clients
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "", "receiver address (default from config)")
	cmd.Flags().Duration("timeout", 10*time.Second, "request timeout")
}

// dial connects to the receiver named by --addr or the configuration
func dial(cmd *cobra.Command, opts *options) (*receiver.Client, context.Context, context.CancelFunc, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return nil, nil, nil, err
		}
		addr = cfg.Receiver.Listen
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	client, err := receiver.Dial(ctx, addr)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return client, ctx, cancel, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseRecipient accepts "user@example.com" or "Name <user@example.com>"
func parseRecipient(s string) (receiver.ToSpec, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return receiver.ToSpec{}, fmt.Errorf("invalid recipient %q: %w", s, err)
	}
	return receiver.ToSpec{Email: addr.Address, Name: addr.Name}, nil
}

func newSendCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Queue a message for one or more recipients",
		Example: `  maildispatch send --from news@example.com --subject "Hello {{name}}" \
    --text "Hi {{name}}" --to "Ann <ann@example.com>" --part name=Ann --group 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := receiver.MailRequest{}

			tos, _ := cmd.Flags().GetStringSlice("to")
			if len(tos) == 0 {
				return fmt.Errorf("at least one --to is required")
			}
			parts, _ := cmd.Flags().GetStringToString("part")
			for _, s := range tos {
				to, err := parseRecipient(s)
				if err != nil {
					return err
				}
				if len(parts) > 0 {
					to.Parts = parts
				}
				if cmd.Flags().Changed("priority") {
					p, _ := cmd.Flags().GetInt("priority")
					to.Priority = &p
				}
				if cmd.Flags().Changed("retries") {
					r, _ := cmd.Flags().GetInt("retries")
					to.Retries = &r
				}
				if delay, _ := cmd.Flags().GetDuration("delay"); delay > 0 {
					after := time.Now().Add(delay).Unix()
					to.After = &after
				}
				req.To = append(req.To, to)
			}

			req.Group, _ = cmd.Flags().GetInt64("group")
			if id, _ := cmd.Flags().GetInt64("message"); id > 0 {
				req.Message.ID = receiver.FlexInt(id)
			} else {
				from, _ := cmd.Flags().GetString("from")
				sender, err := mail.ParseAddress(from)
				if err != nil {
					return fmt.Errorf("invalid --from %q: %w", from, err)
				}
				req.Message.From = &receiver.AddressSpec{Name: sender.Name, Email: sender.Address}
				req.Message.Subject, _ = cmd.Flags().GetString("subject")
				req.Message.Text, _ = cmd.Flags().GetString("text")
				req.Message.HTML, _ = cmd.Flags().GetString("html")
				if replyTo, _ := cmd.Flags().GetString("reply-to"); replyTo != "" {
					req.Message.ReplyTo = &receiver.AddressSpec{Email: replyTo}
				}
				headers, _ := cmd.Flags().GetStringToString("header")
				if len(headers) > 0 {
					req.Message.Headers = headers
				}
			}

			client, ctx, cancel, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			resp, err := client.Mail(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Message %d: %d of %d recipients queued\n",
				resp.Message.ID, resp.Counts.Queued, resp.Counts.All)
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().StringSlice("to", nil, "recipient, repeatable")
	cmd.Flags().String("from", "", "sender address")
	cmd.Flags().String("reply-to", "", "reply-to address")
	cmd.Flags().String("subject", "", "subject")
	cmd.Flags().String("text", "", "plain text body")
	cmd.Flags().String("html", "", "HTML body")
	cmd.Flags().StringToString("header", nil, "custom header name=value, repeatable")
	cmd.Flags().StringToString("part", nil, "substitution key=value applied to every recipient")
	cmd.Flags().Int64("message", 0, "reuse a stored message instead of sending content")
	cmd.Flags().Int64("group", 0, "group id")
	cmd.Flags().Int("priority", 0, "priority, 0 is the plain FIFO tier")
	cmd.Flags().Int("retries", 1, "retries after the first failed attempt")
	cmd.Flags().Duration("delay", 0, "hold the entries back for this long")
	return cmd
}

func newGroupCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group [id...]",
		Short: "Show groups and their counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []int64
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid group id %q", a)
				}
				ids = append(ids, id)
			}

			client, ctx, cancel, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			groups, err := client.Groups(ctx, ids...)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd, groups)
			}

			keys := make([]int64, 0, len(groups))
			for k := range groups {
				id, _ := strconv.ParseInt(k, 10, 64)
				keys = append(keys, id)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tALL\tWAIT\tSENDING\tSENT\tERRORS")
			for _, id := range keys {
				g := groups[strconv.FormatInt(id, 10)]
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%d\n", g.ID, g.Status, g.All, g.Wait, g.Sending, g.Sent, g.Errors)
			}
			return w.Flush()
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <group> <active|paused|inactive>",
		Short: "Change the status of a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid group id %q", args[0])
			}

			client, ctx, cancel, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			g, err := client.SetStatus(ctx, id, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group %d is %s (%d waiting)\n", g.ID, g.Status, g.Wait)
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newStatsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := dial(cmd, opts)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			stats, err := client.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	addClientFlags(cmd)
	return cmd
}
