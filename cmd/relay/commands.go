package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	relaysdk "workrelay/sdk/go"
)

func submitCmd() *cobra.Command {
	var role, task, contextJSON, contextFile, workflowID, as string
	var wait bool
	var waitTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a message to a role",
		Long:  "Starts a workflow for the role, or continues one when --workflow is given. With --wait, polls until the workflow settles.",
		RunE: func(cmd *cobra.Command, args []string) error {
			msgCtx, err := readContext(contextJSON, contextFile)
			if err != nil {
				return err
			}
			if workflowID != "" {
				if msgCtx == nil {
					msgCtx = map[string]any{}
				}
				msgCtx["workflow_id"] = workflowID
			}
			c := newClient()
			res, err := c.Submit(cmd.Context(), relaysdk.Message{Role: role, Task: task, Context: msgCtx, RequestingAgent: as})
			if err != nil {
				return err
			}
			if !wait {
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printStatus("✓", fmt.Sprintf("workflow %s %s", res.WorkflowID, colorState(res.State)), color.FgGreen)
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
			defer cancel()
			w, err := c.Wait(ctx, res.WorkflowID, time.Second, "created", "dispatched")
			if err != nil {
				return err
			}
			return renderWorkflow(w)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "target role")
	cmd.Flags().StringVar(&task, "task", "", "task description")
	cmd.Flags().StringVar(&contextJSON, "context", "", "message context as a JSON object")
	cmd.Flags().StringVar(&contextFile, "context-file", "", "read message context from a JSON file")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "continue an existing workflow")
	cmd.Flags().StringVar(&as, "as", "", "requesting agent (defaults to the caller)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the workflow leaves created/dispatched")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 30*time.Minute, "give up waiting after this long")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func readContext(inline, file string) (map[string]any, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--context and --context-file are mutually exclusive")
	}
	raw := []byte(inline)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("context must be a JSON object: %w", err)
	}
	return out, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show a workflow with its history and invocations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := newClient().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderWorkflow(w)
		},
	}
}

func renderWorkflow(w relaysdk.Workflow) error {
	if viper.GetBool("json") {
		return printJSON(w)
	}
	fmt.Printf("Workflow %s  %s\n", w.ID, colorState(w.State))
	fmt.Printf("  role %s  domain %s  agent %s  updated %s\n", w.Role, w.Domain, w.AgentID, w.UpdatedAt.Format(time.RFC3339))

	if len(w.History) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("History")
		tw.AppendHeader(table.Row{"Seq", "Kind", "From", "To", "Actor", "At"})
		for _, h := range w.History {
			tw.AppendRow(table.Row{h.Seq, h.Kind, h.FromState, colorState(h.ToState), h.ActorID, h.CreatedAt.Format(time.RFC3339)})
		}
		tw.Render()
	}
	if len(w.Invocations) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Invocations")
		tw.AppendHeader(table.Row{"ID", "Role", "Agent", "Status", "Exit", "Deadline"})
		for _, inv := range w.Invocations {
			exit := ""
			if inv.ExitCode != nil {
				exit = fmt.Sprint(*inv.ExitCode)
			}
			tw.AppendRow(table.Row{inv.ID, inv.AgentRole, inv.AgentID, colorState(inv.Status), exit, inv.Deadline.Format(time.RFC3339)})
		}
		tw.Render()
	}
	return nil
}

func workflowsCmd() *cobra.Command {
	var state, domain string
	var limit int
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List workflows, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().Workflows(cmd.Context(), state, domain, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "State", "Role", "Domain", "Agent", "Updated"})
			for _, w := range items {
				tw.AppendRow(table.Row{w.ID, colorState(w.State), w.Role, w.Domain, w.AgentID, w.UpdatedAt.Format(time.RFC3339)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&domain, "domain", "", "domain filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max workflows")
	return cmd
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Stop a workflow's running agent and mark it failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := newClient().Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"workflow_id": args[0], "state": state})
			}
			printStatus("✓", fmt.Sprintf("workflow %s %s", args[0], colorState(state)), color.FgGreen)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the history")
	return cmd
}

func claimCmd() *cobra.Command {
	var agentID, domain, workflowID string
	cmd := &cobra.Command{
		Use:   "claim <work-item-id>",
		Short: "Claim exclusive ownership of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().ClaimTicket(cmd.Context(), args[0], agentID, domain, workflowID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.Claimed {
				printStatus("✓", fmt.Sprintf("%s claimed (%s)", args[0], res.ClaimID), color.FgGreen)
				return nil
			}
			printStatus("✗", fmt.Sprintf("%s already held by %s", args[0], res.AgentID), color.FgRed)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "claiming agent (defaults to the caller)")
	cmd.Flags().StringVar(&domain, "domain", "", "domain of the work (product, ux, ui, technical)")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow the claim belongs to")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func releaseCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "release <work-item-id>",
		Short: "Release your claim on a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			released, err := newClient().Release(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"work_item_id": args[0], "released": released})
			}
			if released {
				printStatus("✓", args[0]+" released", color.FgGreen)
			} else {
				printStatus("-", args[0]+" had no active claim", color.FgYellow)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "release another agent's claim (operators only)")
	return cmd
}

func claimsCmd() *cobra.Command {
	var workItemID, agentID string
	var active bool
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "List claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().Claims(cmd.Context(), workItemID, agentID, active)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Work item", "Agent", "Domain", "Workflow", "Claimed", "Released"})
			for _, c := range items {
				released := ""
				if c.ReleasedAt != nil {
					released = c.ReleasedAt.Format(time.RFC3339)
				}
				tw.AppendRow(table.Row{c.WorkItemID, c.AgentID, c.Domain, c.WorkflowID, c.ClaimedAt.Format(time.RFC3339), released})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&workItemID, "work-item", "", "work item filter")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent filter")
	cmd.Flags().BoolVar(&active, "active", false, "only unreleased claims")
	return cmd
}

func subscribeCmd() *cobra.Command {
	var agentID string
	var list bool
	cmd := &cobra.Command{
		Use:   "subscribe <work-item-id>",
		Short: "Subscribe to feedback on a work item, or list its subscribers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			var agents []string
			var err error
			if list {
				agents, err = c.Subscribers(cmd.Context(), args[0])
			} else {
				agents, err = c.Subscribe(cmd.Context(), args[0], agentID)
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"work_item_id": args[0], "agents": agents})
			}
			fmt.Printf("%s: %s\n", args[0], strings.Join(agents, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "subscribing agent (defaults to the caller)")
	cmd.Flags().BoolVar(&list, "list", false, "list subscribers instead of subscribing")
	return cmd
}

func routeCmd() *cobra.Command {
	var cm relaysdk.Comment
	var line int
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route a review comment to the role that owns it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if line > 0 {
				cm.Line = &line
			}
			res, err := newClient().RouteComment(cmd.Context(), cm)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			verb := "started"
			if res.Appended {
				verb = "appended to"
			}
			printStatus("✓", fmt.Sprintf("routed to %s (%s), %s workflow %s", res.Role, res.Domain, verb, res.WorkflowID), color.FgGreen)
			if len(res.Notified) > 0 {
				fmt.Printf("  notified: %s\n", strings.Join(res.Notified, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cm.Label, "label", "", "comment label")
	cmd.Flags().StringVar(&cm.FilePath, "file", "", "file the comment is on")
	cmd.Flags().IntVar(&line, "line", 0, "line number")
	cmd.Flags().StringVar(&cm.Body, "body", "", "comment text")
	cmd.Flags().StringVar(&cm.WorkItemID, "work-item", "", "work item whose subscribers are notified")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Audit log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var q relaysdk.EventQuery
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := newClient().EventsPage(cmd.Context(), q)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(page)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "TS", "Type", "Workflow", "Entity", "Actor"})
			for _, e := range page.Items {
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.WorkflowID, e.EntityKind + ":" + e.EntityID, e.ActorID})
			}
			tw.Render()
			if page.NextCursor != "" {
				fmt.Printf("more: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&q.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&q.WorkflowID, "workflow", "", "workflow filter")
	cmd.Flags().StringVar(&q.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&q.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&q.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&q.Cursor, "cursor", "", "continue from a previous page")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newClient().Health(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(h)
			}
			printStatus("✓", fmt.Sprintf("%s (queued %d, running %d)", h.Status, h.Queued, h.Running), color.FgGreen)
			return nil
		},
	}
}
