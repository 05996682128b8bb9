package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dphi-space/emctl/internal/config"
	"github.com/dphi-space/emctl/internal/ledger"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently submitted runs and transfers",
		Long: `Show the local record of pods submitted and files transferred from this
machine, newest first. The record is kept in ledger.db under the data
directory; nothing is fetched from the gateway.`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}

	cmd.Flags().Int("limit", ledger.DefaultLimit, "maximum entries per section")
	cmd.Flags().Bool("runs", false, "show only runs")
	cmd.Flags().Bool("transfers", false, "show only transfers")

	return cmd
}

// historyOutput is the JSON schema for `history --json`.
type historyOutput struct {
	Runs      []ledger.Run      `json:"runs"`
	Transfers []ledger.Transfer `json:"transfers"`
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	limit, _ := cmd.Flags().GetInt("limit")
	onlyRuns, _ := cmd.Flags().GetBool("runs")
	onlyTransfers, _ := cmd.Flags().GetBool("transfers")

	l, err := ledger.Open(ctx, config.LedgerPath(), cc.Logger)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer l.Close()

	out := historyOutput{Runs: []ledger.Run{}, Transfers: []ledger.Transfer{}}

	if !onlyTransfers {
		if out.Runs, err = l.Runs(ctx, limit); err != nil {
			return err
		}
	}

	if !onlyRuns {
		if out.Transfers, err = l.Transfers(ctx, limit); err != nil {
			return err
		}
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	if !onlyTransfers {
		printRunsTable(cc, out.Runs)
	}

	if !onlyTransfers && !onlyRuns {
		fmt.Fprintln(cc.Out)
	}

	if !onlyRuns {
		printTransfersTable(cc, out.Transfers)
	}

	return nil
}

func printRunsTable(cc *CLIContext, runs []ledger.Run) {
	if len(runs) == 0 {
		cc.Statusf("No runs recorded.\n")
		return
	}

	rows := make([][]string, 0, len(runs))

	for _, r := range runs {
		at := "now"
		if r.ScheduledTime != nil {
			at = formatTime(*r.ScheduledTime)
		}

		rows = append(rows, []string{
			formatTime(r.SubmittedAt), r.Volume.String(), r.Image, r.Node,
			strconv.Itoa(r.MaxDuration), at, resultCell(r.Error),
		})
	}

	printTable(cc.Out, []string{"SUBMITTED", "VOLUME", "IMAGE", "NODE", "MINUTES", "START", "RESULT"}, rows)
}

func printTransfersTable(cc *CLIContext, transfers []ledger.Transfer) {
	if len(transfers) == 0 {
		cc.Statusf("No transfers recorded.\n")
		return
	}

	rows := make([][]string, 0, len(transfers))

	for _, t := range transfers {
		size := "-"
		if t.Kind != ledger.KindDelete {
			size = formatSize(t.SizeBytes)
		}

		rows = append(rows, []string{
			formatTime(t.RecordedAt), string(t.Kind), t.Volume.String(), t.RemotePath, size, resultCell(t.Error),
		})
	}

	printTable(cc.Out, []string{"TIME", "KIND", "VOLUME", "PATH", "SIZE", "RESULT"}, rows)
}

func resultCell(errMsg string) string {
	if errMsg == "" {
		return "ok"
	}

	return "error: " + errMsg
}
