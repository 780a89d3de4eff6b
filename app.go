package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kwv/scanreg/scanreg"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *scanreg.Config
	Workspace  *scanreg.Workspace
	MQTTClient *scanreg.MQTTClient
	Publisher  *scanreg.PosePublisher

	// CLI Flags (effectively dependencies)
	ConfigFile string
	DataDir    string
	PosesFile  string
	Scan       string
	Partner    string
	Threshold  float64
	OutputFile string
	Format     string
	NoSave     bool
	HttpPort   int
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{DataDir: ".", ConfigFile: "config.yaml"}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataDir = opts.DataDir
	a.PosesFile = opts.PosesFile
	a.Scan = opts.Scan
	a.Partner = opts.Partner
	a.Threshold = opts.Threshold
	a.OutputFile = opts.Output
	a.Format = opts.Format
	a.NoSave = opts.NoSave
	a.HttpPort = opts.HTTPPort
}

// resolvePath makes a relative path relative to the data directory.
func (a *App) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || a.DataDir == "" || a.DataDir == "." {
		return p
	}
	return filepath.Join(a.DataDir, p)
}

func (a *App) posesPath() string {
	if a.PosesFile != "" {
		return a.PosesFile
	}
	return a.resolvePath(a.Config.PosesFile)
}

// load reads the config, builds the workspace, applies cached poses and imports
// every pair file.
func (a *App) load() error {
	configPath := a.resolvePath(a.ConfigFile)
	config, err := scanreg.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config (looked at %s): %w", configPath, err)
	}
	config.Registration.Dir = a.resolvePath(config.Registration.Dir)
	a.Config = config
	log.Printf("Loaded config from %s", configPath)

	a.Workspace = scanreg.NewWorkspace(config)

	cache, err := scanreg.LoadPoses(a.posesPath())
	if err != nil {
		log.Printf("Warning: Failed to load pose cache %s: %v", a.posesPath(), err)
	} else if cache != nil {
		applied := a.Workspace.ApplyPoses(cache)
		log.Printf("Applied %d cached poses from %s", len(applied), a.posesPath())
	}

	report, err := a.Workspace.Import()
	if err != nil {
		return fmt.Errorf("importing pairs from %s: %w", config.Registration.Dir, err)
	}
	log.Printf("Imported %d pairs (%d failed, %d skipped, %d superseded)",
		report.Loaded, report.Failed, report.Skipped, report.Superseded)
	return nil
}

func (a *App) savePoses() error {
	if err := scanreg.SavePoses(a.posesPath(), a.Workspace.CapturePoses()); err != nil {
		return fmt.Errorf("saving pose cache: %w", err)
	}
	log.Printf("Saved poses to %s", a.posesPath())
	return nil
}

// RunImport loads every pair file and prints the import report
func (a *App) RunImport(ctx context.Context, out io.Writer) error {
	configPath := a.resolvePath(a.ConfigFile)
	config, err := scanreg.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config (looked at %s): %w", configPath, err)
	}
	config.Registration.Dir = a.resolvePath(config.Registration.Dir)
	a.Config = config
	a.Workspace = scanreg.NewWorkspace(config)

	report, err := a.Workspace.Import()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Pair files in %s\n", config.Registration.Dir)
	fmt.Fprintf(out, "  Loaded:     %d\n", report.Loaded)
	fmt.Fprintf(out, "  Failed:     %d\n", report.Failed)
	fmt.Fprintf(out, "  Skipped:    %d\n", report.Skipped)
	fmt.Fprintf(out, "  Superseded: %d\n", report.Superseded)
	if len(report.Grades) > 0 {
		fmt.Fprintln(out, "  Grades:")
		for _, g := range scanreg.Grades {
			if n := report.Grades[g]; n > 0 {
				fmt.Fprintf(out, "    %-8s %d\n", g, n)
			}
		}
	}
	for _, e := range report.Errors {
		fmt.Fprintf(out, "  ! %s\n", e)
	}
	return nil
}

// RunGroups prints the connected groups of scans
func (a *App) RunGroups(ctx context.Context, out io.Writer) error {
	if err := a.load(); err != nil {
		return err
	}
	groups := a.Workspace.Groups()
	fmt.Fprintf(out, "%d groups\n", len(groups))
	for i, g := range groups {
		fmt.Fprintf(out, "  [%d] %s\n", i, strings.Join(g, ", "))
	}
	return nil
}

// RunAlign aligns one scan or every group and saves the resulting poses
func (a *App) RunAlign(ctx context.Context, out io.Writer) error {
	if err := a.load(); err != nil {
		return err
	}

	outcome, err := a.Workspace.Align(ctx, scanreg.AlignRequest{Scan: a.Scan, Partner: a.Partner})
	if err != nil {
		return err
	}
	printAlignOutcome(out, outcome)

	if a.NoSave {
		return nil
	}
	return a.savePoses()
}

func printAlignOutcome(out io.Writer, outcome scanreg.AlignOutcome) {
	if r := outcome.Single; r != nil {
		status := "converged"
		switch {
		case r.Cancelled:
			status = "cancelled"
		case !r.Converged:
			status = "iteration limit"
		}
		fmt.Fprintf(out, "%s: %d iterations, rms %.6g -> %.6g (%s)\n",
			r.Scan, r.Iterations, r.InitialRMS, r.FinalRMS, status)
		if r.Discarded > 0 {
			fmt.Fprintf(out, "  %d correspondences discarded by volume bucketing\n", r.Discarded)
		}
	}
	for i, g := range outcome.Groups {
		status := "done"
		if g.Cancelled {
			status = "cancelled"
		}
		fmt.Fprintf(out, "group %d (%d scans): %d steps, %d propagations, rms %.6g -> %.6g (%s)\n",
			i, len(g.Scans), g.Steps, g.Propagations, g.InitialRMS, g.FinalRMS, status)
	}

	names := make([]string, 0, len(outcome.Poses))
	for name := range outcome.Poses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-20s %v\n", name, outcome.Poses[name])
	}
}

// RunSummary prints pair statistics for the store or one scan
func (a *App) RunSummary(ctx context.Context, out io.Writer) error {
	if err := a.load(); err != nil {
		return err
	}
	sum, err := a.Workspace.Summary(a.Scan)
	if err != nil {
		return err
	}

	title := "all scans"
	if a.Scan != "" {
		title = a.Scan
	}
	fmt.Fprintf(out, "Summary (%s)\n", title)
	fmt.Fprintf(out, "  Pairs:  %d (%d manual, %d auto)\n", sum.Pairs, sum.Manual, sum.Auto)
	fmt.Fprintf(out, "  Error:  min %.6g  avg %.6g  max %.6g\n", sum.MinError, sum.AvgError, sum.MaxError)
	for _, g := range scanreg.Grades {
		fmt.Fprintf(out, "  %-8s %d\n", g, sum.Grades[g])
	}

	if a.Scan != "" {
		pairs, err := a.Workspace.Pairs(a.Scan)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			kind := "auto"
			if p.Manual {
				kind = "manual"
			}
			fmt.Fprintf(out, "  %s^^^%s  %-6s %5d pts  rms %.6g  grade %s\n",
				p.A, p.B, kind, p.Points, p.Errors.GlobalRMS, p.Grade)
		}
	}
	return nil
}

// RunDeleteAuto removes automatic pairs above the error threshold
func (a *App) RunDeleteAuto(ctx context.Context, out io.Writer) error {
	if err := a.load(); err != nil {
		return err
	}
	n, err := a.Workspace.DeleteAuto(a.Threshold, a.Scan)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %d automatic pairs above %g\n", n, a.Threshold)
	return nil
}

// createOutput opens path for writing, or returns out when path is empty.
func createOutput(path string, out io.Writer) (io.Writer, func() error, error) {
	if path == "" {
		return out, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output file: %w", err)
	}
	return f, f.Close, nil
}

// RunExportGeoJSON writes scan footprints and pair edges as GeoJSON
func (a *App) RunExportGeoJSON(ctx context.Context, out io.Writer) error {
	if err := a.load(); err != nil {
		return err
	}
	w, closeFn, err := createOutput(a.OutputFile, out)
	if err != nil {
		return err
	}
	if err := a.Workspace.WriteGeoJSON(w); err != nil {
		closeFn()
		return err
	}
	if err := closeFn(); err != nil {
		return err
	}
	if a.OutputFile != "" {
		fmt.Fprintf(out, "Saved GeoJSON to %s\n", a.OutputFile)
	}
	return nil
}

// RunRender draws the plan-view overview as SVG or PNG
func (a *App) RunRender(ctx context.Context, out io.Writer) error {
	format := strings.ToLower(a.Format)
	if format == "" {
		format = "svg"
	}
	if format != "svg" && format != "png" {
		return fmt.Errorf("unknown render format %q (want svg or png)", a.Format)
	}
	if err := a.load(); err != nil {
		return err
	}

	outputPath := a.OutputFile
	if outputPath == "" {
		outputPath = "overview." + format
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	if format == "png" {
		err = a.Workspace.RenderPNG(f)
	} else {
		err = a.Workspace.RenderSVG(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("rendering %s: %w", format, err)
	}
	fmt.Fprintf(out, "Saved overview to %s\n", outputPath)
	return nil
}

// alignAndPublish runs one alignment request and publishes the resulting poses.
func (a *App) alignAndPublish(ctx context.Context, req scanreg.AlignRequest) {
	outcome, err := a.Workspace.Align(ctx, req)
	if err != nil {
		log.Printf("[ALIGN] Request %+v failed: %v", req, err)
		return
	}
	log.Printf("[ALIGN] Request %+v done, %d poses", req, len(outcome.Poses))
	if !a.NoSave {
		if err := a.savePoses(); err != nil {
			log.Printf("[ALIGN] %v", err)
		}
	}
	if a.Publisher != nil {
		if err := a.Workspace.PublishPoses(a.Publisher); err != nil {
			log.Printf("[MQTT] Error publishing poses: %v", err)
		}
	}
}

// RunService watches the pair directory and serves alignment over HTTP and MQTT
// until ctx is cancelled.
func (a *App) RunService(ctx context.Context, out io.Writer) error {
	fmt.Fprintln(out, "Starting scanreg service...")

	// 1. Config, cached poses, pair files
	if err := a.load(); err != nil {
		return err
	}
	port := a.Config.HTTP.Port
	if a.HttpPort != 0 {
		port = a.HttpPort
	}

	// 2. MQTT (optional): alignment commands in, poses out
	mqttClient, err := scanreg.InitMQTT(a.Config.MQTT, func(req scanreg.AlignRequest) {
		go a.alignAndPublish(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	a.MQTTClient = mqttClient
	if mqttClient != nil {
		a.Publisher = scanreg.NewPosePublisher(mqttClient.GetClient(), mqttClient.Config().PublishPrefix)
		fmt.Fprintln(out, "MQTT pose publisher initialized")
	}

	// 3. Pair file watcher
	watcher, err := scanreg.NewPairWatcher(a.Workspace.PairFiles(), 0, func(changes scanreg.PairChanges) {
		report := a.Workspace.ApplyChanges(changes)
		log.Printf("[WATCH] Applied: %d loaded, %d failed, %d skipped",
			report.Loaded, report.Failed, report.Skipped)
	})
	if err != nil {
		return fmt.Errorf("starting pair watcher: %w", err)
	}
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := watcher.Run(ctx); err != nil {
			log.Printf("[WATCH] Stopped: %v", err)
		}
	}()

	// 4. HTTP
	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[HTTP] Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[HTTP] Server error: %v", err)
		}
	}()

	// 5. Print service info
	fmt.Fprintln(out, "\nService Running")
	fmt.Fprintln(out, "===============")
	fmt.Fprintf(out, "\nWatching pair files in %s\n", a.Config.Registration.Dir)
	if mqttClient != nil {
		cfg := mqttClient.Config()
		fmt.Fprintln(out, "\nMQTT:")
		fmt.Fprintf(out, "  Commands:   %s\n", cfg.CommandTopic())
		fmt.Fprintf(out, "  Publishing: %s/{scan}\n", cfg.PublishPrefix)
		fmt.Fprintf(out, "  Combined:   %s/poses\n", cfg.PublishPrefix)
	}
	fmt.Fprintf(out, "\nHTTP endpoints (port %d):\n", port)
	fmt.Fprintln(out, "  GET  /health        - Health check")
	fmt.Fprintln(out, "  GET  /groups        - Connected groups")
	fmt.Fprintln(out, "  GET  /pairs         - Pair records (?scan=)")
	fmt.Fprintln(out, "  GET  /summary       - Pair statistics (?scan=)")
	fmt.Fprintln(out, "  GET  /overview.svg  - Plan-view overview")
	fmt.Fprintln(out, "  GET  /overview.png  - Plan-view overview")
	fmt.Fprintln(out, "  GET  /pairs.geojson - Footprints and pair edges")
	fmt.Fprintln(out, "  GET  /metrics       - Prometheus metrics")
	fmt.Fprintln(out, "  POST /align         - Run alignment")
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	// 6. Wait for cancellation
	<-ctx.Done()

	fmt.Fprintln(out, "\nShutting down service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[HTTP] Shutdown error: %v", err)
	}
	<-watchDone
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(out, "Service stopped")
	return nil
}
