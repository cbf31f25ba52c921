package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/fwtriage/internal/plugin"
)

func newPluginCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Inspect plugins and run them in batch",
	}
	cmd.AddCommand(newPluginListCommand(a), newPluginReportCommand(a))
	return cmd
}

func newPluginListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.dispatcher(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := d.AllByName(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			printf(tw, "ID\tNAME\tPRIORITY\tCAPABILITIES\n")
			for _, e := range entries {
				printf(tw, "%s\t%s\t%d\t%s\n", e.ID(), e.Name(), e.Priority(), e.Caps())
			}
			return tw.Flush()
		},
	}
}

// elapsedMarker starts the timing suffix some plugins append to their last
// attribute; it changes on every run so it is cut from the report.
const elapsedMarker = "time elapsed"

func newPluginReportCommand(a *app) *cobra.Command {
	var (
		vendor string
		output string
	)
	cmd := &cobra.Command{
		Use:   "report <plugin-id> <firmware-file>...",
		Short: "Run one plugin over firmware files and write a CSV summary",
		Long: `Runs the test of a single plugin against each firmware file and writes one
CSV row per file with the columns filename, vendor, shards and msg. msg holds
the attribute titles the plugin recorded, or the plugin error.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.dispatcher(cmd.Context())
			if err != nil {
				return err
			}
			if _, ok, err := d.Get(cmd.Context(), args[0]); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, args[0])
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create report: %w", err)
				}
				defer f.Close() //nolint:errcheck // flushed and checked via csv.Writer.Error
				out = f
			}

			w := csv.NewWriter(out)
			if err := w.Write([]string{"filename", "vendor", "shards", "msg"}); err != nil {
				return err
			}
			for i, path := range args[1:] {
				fw := &plugin.Firmware{ID: int64(i + 1), Filename: filepath.Base(path), VendorID: vendor, Path: path}
				row, err := reportRow(cmd, d, args[0], fw)
				if err != nil {
					return err
				}
				if err := w.Write(row); err != nil {
					return err
				}
			}
			w.Flush()
			return w.Error()
		},
	}
	cmd.Flags().StringVar(&vendor, "vendor", "", "vendor group recorded in the vendor column")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the CSV to a file instead of stdout")
	return cmd
}

// reportRow runs the plugin against one firmware. A plugin failure becomes the
// row's message; anything else aborts the batch.
func reportRow(cmd *cobra.Command, d *plugin.Dispatcher, id string, fw *plugin.Firmware) ([]string, error) {
	defer fw.Release()

	row := []string{fw.Filename, fw.VendorID, "", ""}
	test := plugin.NewTest()
	err := d.RunTest(cmd.Context(), id, test, fw)
	var perr *plugin.PluginError
	switch {
	case errors.As(err, &perr):
		row[3] = perr.Error()
		cmd.PrintErrf("%s: %v\n", fw.Filename, perr)
		return row, nil
	case err != nil:
		return nil, err
	}

	msg := attributeSummary(test.Attributes)
	row[2] = strconv.Itoa(len(test.Shards))
	row[3] = msg
	cmd.PrintErrf("%s: %d shards: %s\n", fw.Filename, len(test.Shards), msg)
	return row, nil
}

// attributeSummary joins the attribute titles, dropping everything from the
// elapsed time onwards.
func attributeSummary(attrs []plugin.Attribute) string {
	titles := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		titles = append(titles, attr.Title)
	}
	msg := strings.Join(titles, ",")
	if idx := strings.Index(msg, elapsedMarker); idx != -1 {
		msg = strings.TrimSpace(msg[:idx])
	}
	return msg
}
