package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/pario-ai/parley/pkg/cache/sqlite"
	"github.com/pario-ai/parley/pkg/models"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the conversation cache",
	}

	// open returns a read-only handle; the returned func closes it.
	open := func(cmd *cobra.Command) (*sqlite.Cache, func(), error) {
		cfg, err := loadConfig(cmd, configPath)
		if err != nil {
			return nil, nil, err
		}
		reg := sqlite.NewRegistry(nil)
		c, err := reg.Open(cmd.Context(), cfg.Cache.Path, sqlite.ModeRead)
		if err != nil {
			_ = reg.Close()
			return nil, nil, err
		}
		return c, func() { _ = reg.Close() }, nil
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := open(cmd)
			if err != nil {
				return err
			}
			defer done()

			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			size := "unknown"
			if fi, err := os.Stat(c.Path()); err == nil {
				size = humanize.Bytes(uint64(fi.Size()))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "File:          %s (%s)\nInteractions:  %s\nContext rows:  %s\nStrings:       %s\n",
				c.Path(), size,
				humanize.Comma(stats.Interactions),
				humanize.Comma(stats.Contexts),
				humanize.Comma(stats.Strings),
			)
			return nil
		},
	}

	var (
		filter string
		limit  int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored interactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := open(cmd)
			if err != nil {
				return err
			}
			defer done()

			items, err := c.List(cmd.Context(), filter, limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No interactions found.")
				return nil
			}
			return writeList(cmd.OutOrStdout(), items)
		},
	}
	listCmd.Flags().StringVar(&filter, "prompt", "", "only show prompts containing this text")
	listCmd.Flags().IntVar(&limit, "limit", 0, "maximum number of rows")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one interaction with its conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			c, done, err := open(cmd)
			if err != nil {
				return err
			}
			defer done()

			rec, err := c.Load(cmd.Context(), id)
			if err != nil {
				return err
			}
			writeRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to config file")
	cmd.AddCommand(statsCmd, listCmd, showCmd)
	return cmd
}

func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "…")
}

func writeList(out io.Writer, items []models.Interaction) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROMPT\tREPLY")
	for _, it := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\n", it.ID, oneLine(it.Prompt, 40), oneLine(it.Reply, 40))
	}
	return w.Flush()
}

func writeRecord(out io.Writer, rec *models.Record) {
	if rec.System != "" {
		fmt.Fprintf(out, "system: %s\n", rec.System)
	}
	if len(rec.Parameters) > 0 {
		pairs := make([]string, 0, len(rec.Parameters))
		for k, v := range rec.Parameters {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
		}
		slices.Sort(pairs)
		fmt.Fprintf(out, "parameters: %s\n", strings.Join(pairs, " "))
	}
	for _, ex := range append(rec.Context, rec.Exchange) {
		fmt.Fprintln(out)
		for _, line := range strings.Split(ex.Prompt, "\n") {
			fmt.Fprintf(out, "> %s\n", line)
		}
		for _, img := range ex.Images {
			fmt.Fprintf(out, "> [image %s]\n", img)
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, ex.Reply)
	}
}
