package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dphi-space/emctl/internal/config"
	"github.com/dphi-space/emctl/internal/emapi"
	"github.com/dphi-space/emctl/internal/ledger"
	"github.com/dphi-space/emctl/internal/transfer"
	"github.com/dphi-space/emctl/internal/watch"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List files in the selected volume",
		Long: `List every file in the volume selected by --pod (or default_pod). Without a
pod name the default volume is listed.`,
		Args: cobra.NoArgs,
		RunE: runLs,
	}
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-file>...",
		Short: "Upload files to the selected volume",
		Long: `Upload one or more local files into --dest of the selected volume. All files
are opened before anything is sent; if one cannot be read nothing is uploaded.

With --watch, the single argument is a directory: files created or modified
under it are uploaded as they change until interrupted. Subdirectories map
to folders below --dest.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runPut,
	}

	cmd.Flags().String("dest", "", "remote destination folder")
	cmd.Flags().Bool("watch", false, "keep running and upload changes under a directory")
	cmd.Flags().Duration("debounce", watch.DefaultDebounce, "quiet period before changed files are uploaded (with --watch)")

	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <remote-path>...",
		Short: "Download files from the selected volume",
		Long: `Download one or more files from the selected volume into --dir (default
download_dir). Files are streamed to disk and renamed into place when
complete; up to parallel_downloads run at once.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runGet,
	}

	cmd.Flags().String("dir", "", "local folder to download into (default download_dir)")

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <remote-path>",
		Short: "Delete a file or folder from the selected volume",
		Long: `Delete a file or folder (recursively) from the selected volume. A path that
exists only in another volume is reported as not found.`,
		Args: cobra.ExactArgs(1),
		RunE: runRm,
	}
}

func runLs(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	gs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer gs.Close()

	vol := cc.Cfg.Volume

	files, err := gs.Client.ListFiles(ctx, vol)
	if err != nil {
		return fmt.Errorf("listing %s: %w", vol, err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, files)
	}

	printFilesTable(cc, files)
	cc.Statusf("%d file(s) in volume %s\n", len(files), vol)

	return nil
}

func printFilesTable(cc *CLIContext, files []emapi.RemoteFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	rows := make([][]string, 0, len(files))
	for _, f := range files {
		rows = append(rows, []string{f.Path, formatSize(f.Size)})
	}

	printTable(cc.Out, []string{"PATH", "SIZE"}, rows)
}

func runPut(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	dest, _ := cmd.Flags().GetString("dest")
	watching, _ := cmd.Flags().GetBool("watch")

	if watching && len(args) != 1 {
		return errors.New("--watch takes exactly one directory")
	}

	gs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer gs.Close()

	mgr, err := gs.TransferManager()
	if err != nil {
		return err
	}

	vol := cc.Cfg.Volume

	if watching {
		debounce, _ := cmd.Flags().GetDuration("debounce")

		release, err := acquireWatchLock(config.WatchLockPath(args[0]))
		if err != nil {
			return err
		}
		defer release()

		wctx, cancel := shutdownContext(ctx, cc.Logger)
		defer cancel()

		cc.Statusf("Watching %s -> %s in volume %s (Ctrl-C to stop)\n", args[0], dest, vol)

		return watch.New(args[0], dest, vol, mgr, cc.Logger, watch.WithDebounce(debounce)).Run(wctx)
	}

	report, err := mgr.UploadAll(ctx, args, dest, vol)
	if err != nil {
		return err
	}

	if err := printUploadReport(cc, report); err != nil {
		return err
	}

	return report.Err()
}

func printUploadReport(cc *CLIContext, report *transfer.UploadReport) error {
	if len(report.Batches) == 1 {
		return printPayload(cc.Out, report.Batches[0].Payload)
	}

	payloads := make([]emapi.Payload, 0, len(report.Batches))
	for _, b := range report.Batches {
		if b.Err == nil {
			payloads = append(payloads, b.Payload)
		}
	}

	return printJSON(cc.Out, payloads)
}

// getOutput is the JSON schema for one file in `get --json`.
type getOutput struct {
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	Error      string `json:"error,omitempty"`
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cc.Cfg.DownloadDir
	}

	gs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer gs.Close()

	mgr, err := gs.TransferManager()
	if err != nil {
		return err
	}

	report, err := mgr.DownloadAll(ctx, args, dir, cc.Cfg.Volume)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]getOutput, 0, len(report.Files))
		for _, f := range report.Files {
			out = append(out, getOutput{
				RemotePath: f.RemotePath,
				LocalPath:  f.LocalPath,
				SizeBytes:  f.SizeBytes,
				Error:      ledger.ErrorString(f.Err),
			})
		}

		if err := printJSON(cc.Out, out); err != nil {
			return err
		}
	} else {
		for _, f := range report.Files {
			if f.Err == nil {
				cc.Statusf("Downloaded %s -> %s (%s)\n", f.RemotePath, f.LocalPath, formatSize(f.SizeBytes))
			}
		}
	}

	return report.Err()
}

func runRm(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	remotePath := args[0]

	gs, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer gs.Close()

	vol := cc.Cfg.Volume

	payload, err := gs.Client.Delete(ctx, remotePath, vol)

	gs.Recorder.Transfer(ctx, ledger.Transfer{
		Kind:       ledger.KindDelete,
		Volume:     vol,
		RemotePath: remotePath,
		Error:      ledger.ErrorString(err),
	})

	if err != nil {
		if errors.Is(err, emapi.ErrNotFound) {
			return fmt.Errorf("%s not found in volume %s: %w", remotePath, vol, err)
		}

		return err
	}

	cc.Logger.Debug("deleted", slog.String("path", remotePath), slog.String("pod_name", vol.Name()))

	return printPayload(cc.Out, payload)
}
