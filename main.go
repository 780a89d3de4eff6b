package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the command line settings shared by every subcommand.
type AppOptions struct {
	ConfigFile string
	DataDir    string
	PosesFile  string

	Scan      string
	Partner   string
	Threshold float64
	Output    string
	Format    string
	NoSave    bool
	HTTPPort  int
}

// Runner is what the command tree drives. App implements it; tests substitute a mock.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunImport(ctx context.Context, out io.Writer) error
	RunGroups(ctx context.Context, out io.Writer) error
	RunAlign(ctx context.Context, out io.Writer) error
	RunSummary(ctx context.Context, out io.Writer) error
	RunDeleteAuto(ctx context.Context, out io.Writer) error
	RunExportGeoJSON(ctx context.Context, out io.Writer) error
	RunRender(ctx context.Context, out io.Writer) error
	RunService(ctx context.Context, out io.Writer) error
}

func newRootCmd(app Runner) *cobra.Command {
	var opts AppOptions

	root := &cobra.Command{
		Use:           "scanreg",
		Short:         "Pairwise registration and global alignment of 3D scans",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.DataDir, "data-dir", ".", "Directory that relative config and cache paths resolve against")
	root.PersistentFlags().StringVar(&opts.PosesFile, "poses", "", "Pose cache file (default: posesFile from config)")

	// each subcommand applies the shared options before running
	wrap := func(fn func(context.Context, io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			app.ApplyOptions(opts)
			return fn(cmd.Context(), cmd.OutOrStdout())
		}
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Load every pair file and report what was found",
		Args:  cobra.NoArgs,
		RunE:  wrap(app.RunImport),
	}

	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "List connected groups of scans",
		Args:  cobra.NoArgs,
		RunE:  wrap(app.RunGroups),
	}

	alignCmd := &cobra.Command{
		Use:   "align",
		Short: "Align one scan to its partners, or every group when no scan is given",
		Args:  cobra.NoArgs,
		RunE:  wrap(app.RunAlign),
	}
	alignCmd.Flags().StringVar(&opts.Scan, "scan", "", "Scan to align (default: all groups)")
	alignCmd.Flags().StringVar(&opts.Partner, "partner", "", "Only use the pair with this scan")
	alignCmd.Flags().BoolVar(&opts.NoSave, "no-save", false, "Do not write the pose cache")

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Print pair counts, grades and error ranges",
		Args:  cobra.NoArgs,
		RunE:  wrap(app.RunSummary),
	}
	summaryCmd.Flags().StringVar(&opts.Scan, "scan", "", "Restrict to pairs of this scan")

	deleteAutoCmd := &cobra.Command{
		Use:   "delete-auto",
		Short: "Delete automatic pairs whose point-to-plane error exceeds a threshold",
		Args:  cobra.NoArgs,
		RunE:  wrap(app.RunDeleteAuto),
	}
	deleteAutoCmd.Flags().Float64Var(&opts.Threshold, "threshold", 0, "Point-to-plane RMS threshold")
	deleteAutoCmd.Flags().StringVar(&opts.Scan, "scan", "", "Restrict to pairs of this scan")
	_ = deleteAutoCmd.MarkFlagRequired("threshold")

	geojsonCmd := &cobra.Command{
		Use:   "export-geojson",
		Short: "Write scan footprints and pair edges as GeoJSON",
		Args:  cobra.NoArgs,
		RunE:  wrap(app.RunExportGeoJSON),
	}
	geojsonCmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Output file (default: stdout)")

	renderCmd := &cobra.Command{
		Use:   "render",
		Short: "Render a plan-view overview of scans and pairs",
		Args:  cobra.NoArgs,
		RunE:  wrap(app.RunRender),
	}
	renderCmd.Flags().StringVar(&opts.Format, "format", "svg", "Output format: svg or png")
	renderCmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Output file (default: overview.<format>)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch pair files and serve alignment over HTTP and MQTT",
		Args:  cobra.NoArgs,
		RunE:  wrap(app.RunService),
	}
	serveCmd.Flags().IntVar(&opts.HTTPPort, "http-port", 0, "HTTP server port (default: from config)")

	root.AddCommand(importCmd, groupsCmd, alignCmd, summaryCmd, deleteAutoCmd, geojsonCmd, renderCmd, serveCmd)
	return root
}

// run executes the command tree against app with the given arguments.
func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	root := newRootCmd(app)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
