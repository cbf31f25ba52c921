package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/fwtriage/internal/triage"
)

func newIssueCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Create, edit and inspect known issues",
	}
	cmd.AddCommand(
		newIssueCreateCommand(a),
		newIssueListCommand(a),
		newIssueShowCommand(a),
		newIssueModifyCommand(a),
		newIssueEnableCommand(a, true),
		newIssueEnableCommand(a, false),
		newIssueAddConditionCommand(a),
		newIssueRemoveConditionCommand(a),
		newIssuePriorityCommand(a),
		newIssueDeleteCommand(a),
		newIssueReportsCommand(a),
	)
	return cmd
}

func newIssueCreateCommand(a *app) *cobra.Command {
	var spec triage.IssueSpec
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a new, disabled issue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			is, err := svc.CreateIssue(cmd.Context(), spec)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "created issue %d\n", is.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "short title")
	cmd.Flags().StringVar(&spec.URL, "url", "", "unique link describing the issue")
	cmd.Flags().StringVar(&spec.Description, "description", "", "longer description")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newIssueListCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			issues, err := svc.Issues(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), issues)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			printf(tw, "ID\tPRIORITY\tENABLED\tCONDITIONS\tNAME\tURL\n")
			for _, is := range issues {
				printf(tw, "%d\t%d\t%t\t%d\t%s\t%s\n", is.ID, is.Priority, is.Enabled, len(is.Conditions), is.Name, is.URL)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newIssueShowCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show one issue with its conditions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("issue", args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			is, err := svc.Issue(cmd.Context(), id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), is)
			}
			return printIssue(cmd.OutOrStdout(), is)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printIssue(w io.Writer, is *triage.Issue) error {
	printf(w, "Issue %d: %s\n", is.ID, is.Name)
	printf(w, "URL:         %s\n", is.URL)
	printf(w, "Enabled:     %t\n", is.Enabled)
	printf(w, "Priority:    %d\n", is.Priority)
	if is.Description != "" {
		printf(w, "Description: %s\n", is.Description)
	}
	if len(is.Conditions) == 0 {
		printf(w, "No conditions\n")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	printf(tw, "\nID\tKEY\tCOMPARE\tVALUE\n")
	for _, c := range is.Conditions {
		printf(tw, "%d\t%s\t%s\t%s\n", c.ID, c.Key, c.Compare, c.Value)
	}
	return tw.Flush()
}

func newIssueModifyCommand(a *app) *cobra.Command {
	var name, url, description string
	cmd := &cobra.Command{
		Use:   "modify <issue-id>",
		Short: "Change the name, URL or description of an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("issue", args[0])
			if err != nil {
				return err
			}
			var u triage.IssueUpdate
			if cmd.Flags().Changed("name") {
				u.Name = &name
			}
			if cmd.Flags().Changed("url") {
				u.URL = &url
			}
			if cmd.Flags().Changed("description") {
				u.Description = &description
			}
			if u == (triage.IssueUpdate{}) {
				return errors.New("nothing to change: pass --name, --url or --description")
			}
			return modifyIssue(cmd, a, id, u)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new title")
	cmd.Flags().StringVar(&url, "url", "", "new unique link")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	return cmd
}

func newIssueEnableCommand(a *app, enable bool) *cobra.Command {
	use, short := "enable", "Enable an issue and classify matching unassigned reports"
	if !enable {
		use, short = "disable", "Stop classifying new reports against an issue"
	}
	return &cobra.Command{
		Use:   use + " <issue-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("issue", args[0])
			if err != nil {
				return err
			}
			return modifyIssue(cmd, a, id, triage.IssueUpdate{Enabled: &enable})
		},
	}
}

func modifyIssue(cmd *cobra.Command, a *app, id int64, u triage.IssueUpdate) error {
	svc, err := a.service(cmd.Context())
	if err != nil {
		return err
	}
	fixed, err := svc.ModifyIssue(cmd.Context(), id, u)
	if err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "modified issue %d, %d reports reclassified\n", id, fixed)
	return nil
}

func newIssueAddConditionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add-condition <issue-id> <key> <compare> <value>",
		Short: "Add a key/comparator/value condition to an issue",
		Long: `Adds a condition to an issue. Keys are flattened report paths such as
"Metadata.DistroId" or "UpdateState". Comparators: eq, ne, contains, regex,
glob, lt, le, gt, ge.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("issue", args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			c, err := svc.AddCondition(cmd.Context(), id, args[1], args[3], args[2])
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "added condition %d to issue %d\n", c.ID, id)
			return nil
		},
	}
}

func newIssueRemoveConditionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-condition <issue-id> <condition-id>",
		Short: "Remove a condition; the issue is disabled",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("issue", args[0])
			if err != nil {
				return err
			}
			cid, err := parseID("condition", args[1])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.RemoveCondition(cmd.Context(), id, cid); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "removed condition %d, issue %d disabled\n", cid, id)
			return nil
		},
	}
}

func newIssuePriorityCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "priority <issue-id> up|down",
		Short:     "Move an issue earlier or later in evaluation order",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("issue", args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			var is *triage.Issue
			switch args[1] {
			case "up":
				is, err = svc.IncreasePriority(cmd.Context(), id)
			case "down":
				is, err = svc.DecreasePriority(cmd.Context(), id)
			default:
				return fmt.Errorf("direction must be up or down, got %q", args[1])
			}
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "issue %d priority %d\n", is.ID, is.Priority)
			return nil
		},
	}
}

func newIssueDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <issue-id>",
		Short: "Delete an issue and unassign its reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("issue", args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.DeleteIssue(cmd.Context(), id); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "deleted issue %d\n", id)
			return nil
		},
	}
}

func newIssueReportsCommand(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "reports <issue-id>",
		Short: "Show the newest reports an issue's conditions match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("issue", args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.IssueReports(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			w := cmd.OutOrStdout()
			printf(w, "%d reports match issue %d\n", res.Total, id)
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			printf(tw, "REPORT\tFIRMWARE\tASSIGNED\tCREATED\n")
			for _, r := range res.Samples {
				printf(tw, "%d\t%d\t%d\t%s\n", r.ID, r.FirmwareID, r.IssueID, r.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of reports to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func parseID(what, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
