package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicedesk/internal/tickets"
)

func newTicketsCmd(f *rootFlags) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Inspect and manage support tickets",
	}
	cmd.PersistentFlags().StringVar(&baseURL, "url", "", "override tickets.base_url")

	client := func() (*tickets.Client, error) {
		cfg, err := f.load()
		if err != nil {
			return nil, err
		}
		if baseURL != "" {
			cfg.Tickets.BaseURL = baseURL
		}
		return tickets.NewClient(cfg.Tickets.BaseURL), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tickets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			list, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			printTicketList(cmd.OutOrStdout(), list)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a ticket with its conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			t, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTicket(cmd.OutOrStdout(), t)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status <id> <open|pending|in_progress|resolved|closed>",
		Short: "Change a ticket's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := tickets.Status(args[1])
			if !status.IsValid() {
				return fmt.Errorf("invalid status %q", args[1])
			}
			c, err := client()
			if err != nil {
				return err
			}
			t, err := c.UpdateStatus(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ticket %s is now %s\n", t.ID, t.Status)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create <query>",
		Short: "Open a ticket by hand",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			t, err := c.Create(cmd.Context(), tickets.CreateRequest{UserQuery: strings.Join(args, " ")})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created ticket %s\n", t.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted ticket %s\n", args[0])
			return nil
		},
	})

	return cmd
}

const queryPreview = 48

func printTicketList(w io.Writer, list []tickets.Ticket) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No tickets.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tUPDATED\tQUERY")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Timestamp.Local().Format(time.DateTime), preview(t.UserQuery))
	}
	tw.Flush()
}

func printTicket(w io.Writer, t tickets.Ticket) {
	fmt.Fprintf(w, "Ticket  %s\n", t.ID)
	fmt.Fprintf(w, "Status  %s\n", t.Status)
	fmt.Fprintf(w, "Updated %s\n", t.Timestamp.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Query   %s\n", t.UserQuery)
	if len(t.ConversationHistory) == 0 {
		return
	}
	fmt.Fprintln(w, "\nConversation:")
	for _, h := range t.ConversationHistory {
		fmt.Fprintf(w, "  %-9s %s\n", h.Role+":", h.Content)
	}
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > queryPreview {
		return string(r[:queryPreview-1]) + "…"
	}
	return s
}
