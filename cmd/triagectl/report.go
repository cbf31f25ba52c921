package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newReportCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Import and inspect device update reports",
	}
	cmd.AddCommand(newReportImportCommand(a), newReportListCommand(a))
	return cmd
}

func newReportImportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <firmware-id> <file>...",
		Short: "Classify and store JSON reports for a firmware",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fwID, err := parseID("firmware", args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, path := range args[1:] {
				raw, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read report: %w", err)
				}
				r, err := svc.SubmitReport(cmd.Context(), fwID, raw)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if r.Assigned() {
					printf(w, "%s: report %d matched issue %d\n", path, r.ID, r.IssueID)
				} else {
					printf(w, "%s: report %d unclassified\n", path, r.ID)
				}
			}
			return nil
		},
	}
}

func newReportListCommand(a *app) *cobra.Command {
	var unassigned bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored reports, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			list := st.ListReports
			if unassigned {
				list = st.UnassignedReports
			}
			reports, err := list(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			printf(tw, "REPORT\tFIRMWARE\tISSUE\tKEYS\n")
			for _, r := range reports {
				printf(tw, "%d\t%d\t%d\t%d\n", r.ID, r.FirmwareID, r.IssueID, len(r.Data))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&unassigned, "unassigned", false, "only reports no issue has claimed")
	return cmd
}
