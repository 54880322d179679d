package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/habedi/trackr/client"
	"github.com/habedi/trackr/pkg/clierr"
	"github.com/habedi/trackr/pkg/validation"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// meCmd shows the account the session belongs to.
func meCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the current user",
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			api, err := a.api(cmd.Context())
			if err != nil {
				return err
			}
			user, err := api.Me(cmd.Context())
			if err != nil {
				return apiFailure("Failed to fetch the current user", err)
			}
			cmd.Printf("ID: %d\n", user.ID)
			cmd.Printf("Name: %s\n", user.Name)
			cmd.Printf("Email: %s\n", user.Email)
			cmd.Printf("Roles: %s\n", strings.Join(user.Roles, ", "))
			return nil
		}),
	}
}

// ticketsCmd groups the ticket subcommands.
func ticketsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Manage tickets",
	}
	cmd.AddCommand(
		ticketsListCmd(a),
		ticketsShowCmd(a),
		ticketsCreateCmd(a),
		ticketsAssignCmd(a),
		ticketsCommentCmd(a),
	)
	return cmd
}

func ticketsListCmd(a *app) *cobra.Command {
	var filter client.TicketFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			api, err := a.api(cmd.Context())
			if err != nil {
				return err
			}
			tickets, err := api.ListTickets(cmd.Context(), filter)
			if err != nil {
				return apiFailure("Failed to list tickets", err)
			}
			if len(tickets) == 0 {
				cmd.Println("No tickets found.")
				return nil
			}
			renderTickets(cmd.OutOrStdout(), tickets)
			log.Info().Msgf("Listed %d tickets.", len(tickets))
			return nil
		}),
	}

	cmd.Flags().Int64VarP(&filter.StatusID, "status", "s", 0, "Only show tickets with this status ID")
	cmd.Flags().Int64VarP(&filter.PriorityID, "priority", "p", 0, "Only show tickets with this priority ID")
	cmd.Flags().StringVarP(&filter.Search, "search", "q", "", "Only show tickets matching this text")
	return cmd
}

func renderTickets(w io.Writer, tickets []client.Ticket) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Title", "Status", "Priority", "Created"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetRowLine(false)

	for _, t := range tickets {
		table.Append([]string{
			strconv.FormatInt(t.ID, 10),
			strings.ReplaceAll(t.Title, "\n", " "),
			strconv.FormatInt(t.StatusID, 10),
			strconv.FormatInt(t.PriorityID, 10),
			t.CreatedAt.Format("2006-01-02"),
		})
	}
	table.Render()
}

func ticketsShowCmd(a *app) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "show ID [ID...]",
		Short: "Show one or more tickets",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			if workers == 0 {
				workers = a.cfg.Workers
			}
			if err := validation.ValidateWorkerCount(workers); err != nil {
				return clierr.New(clierr.Validation, err.Error(), err)
			}
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := validation.ParseTicketID(arg)
				if err != nil {
					return clierr.New(clierr.Validation, err.Error(), err)
				}
				ids = append(ids, id)
			}

			api, err := a.api(cmd.Context())
			if err != nil {
				return err
			}
			var progress func()
			finish := func() {}
			if len(ids) > 1 {
				bar := progressbar.NewOptions(len(ids),
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionSetDescription("Fetching tickets..."),
					progressbar.OptionSetWidth(20),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
				progress = func() { _ = bar.Add(1) }
				finish = func() { _ = bar.Finish() }
			}
			tickets, errs := api.GetTicketsWithProgress(cmd.Context(), ids, workers, progress)
			finish()
			for i, t := range tickets {
				if t == nil {
					continue
				}
				if i > 0 {
					cmd.Println()
				}
				printTicket(cmd, t)
			}
			if len(errs) > 0 {
				return apiFailure(fmt.Sprintf("Failed to fetch %d of %d tickets", len(errs), len(ids)), errs[0])
			}
			return nil
		}),
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of tickets fetched concurrently (default from config)")
	return cmd
}

func printTicket(cmd *cobra.Command, t *client.Ticket) {
	cmd.Printf("Ticket #%d\n", t.ID)
	cmd.Printf("Title: %s\n", t.Title)
	cmd.Printf("Status: %d\n", t.StatusID)
	cmd.Printf("Priority: %d\n", t.PriorityID)
	if t.AssignedTo != nil {
		cmd.Printf("Assigned to: %d\n", *t.AssignedTo)
	}
	cmd.Printf("Created: %s\n", t.CreatedAt.Format("2006-01-02 15:04"))
	if t.Body != "" {
		cmd.Printf("\n%s\n", t.Body)
	}
}

func ticketsCreateCmd(a *app) *cobra.Command {
	var t client.NewTicket

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a ticket",
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			if err := validation.ValidateNonEmptyString("title", t.Title); err != nil {
				return clierr.New(clierr.Validation, err.Error(), err)
			}
			api, err := a.api(cmd.Context())
			if err != nil {
				return err
			}
			created, err := api.CreateTicket(cmd.Context(), t)
			if err != nil {
				return apiFailure("Failed to create the ticket", err)
			}
			cmd.Printf("Created ticket #%d.\n", created.ID)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&t.Title, "title", "t", "", "Ticket title")
	cmd.Flags().StringVarP(&t.Body, "body", "b", "", "Ticket description")
	cmd.Flags().Int64VarP(&t.PriorityID, "priority", "p", 1, "Priority ID (see `trackr priorities`)")
	return cmd
}

func ticketsAssignCmd(a *app) *cobra.Command {
	var userID int64
	var unassign bool

	cmd := &cobra.Command{
		Use:   "assign ID",
		Short: "Assign a ticket to a user",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseTicketID(args[0])
			if err != nil {
				return clierr.New(clierr.Validation, err.Error(), err)
			}
			if !unassign && userID <= 0 {
				return clierr.New(clierr.Validation, "Either --user or --unassign is required.", nil)
			}
			var target *int64
			if !unassign {
				target = &userID
			}

			api, err := a.api(cmd.Context())
			if err != nil {
				return err
			}
			if err := api.AssignTicket(cmd.Context(), id, target); err != nil {
				return apiFailure("Failed to assign the ticket", err)
			}
			if unassign {
				cmd.Printf("Ticket #%d unassigned.\n", id)
			} else {
				cmd.Printf("Ticket #%d assigned to user %d.\n", id, userID)
			}
			return nil
		}),
	}

	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "User ID to assign the ticket to")
	cmd.Flags().BoolVar(&unassign, "unassign", false, "Remove the current assignee")
	return cmd
}

func ticketsCommentCmd(a *app) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "comment ID",
		Short: "Post a message on a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseTicketID(args[0])
			if err != nil {
				return clierr.New(clierr.Validation, err.Error(), err)
			}
			if err := validation.ValidateNonEmptyString("message", message); err != nil {
				return clierr.New(clierr.Validation, err.Error(), err)
			}
			api, err := a.api(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := api.AddMessage(cmd.Context(), id, strings.TrimSpace(message)); err != nil {
				return apiFailure("Failed to post the message", err)
			}
			cmd.Printf("Message posted on ticket #%d.\n", id)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "Message text")
	return cmd
}

// prioritiesCmd lists the ticket priorities.
func prioritiesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "priorities",
		Short: "List ticket priorities",
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			api, err := a.api(cmd.Context())
			if err != nil {
				return err
			}
			priorities, err := api.ListPriorities(cmd.Context())
			if err != nil {
				return apiFailure("Failed to list priorities", err)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Name", "Level", "Description"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			for _, p := range priorities {
				table.Append([]string{strconv.FormatInt(p.ID, 10), p.Name, strconv.Itoa(p.Level), p.Description})
			}
			table.Render()
			return nil
		}),
	}
}
