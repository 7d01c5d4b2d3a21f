package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"netdash/internal/anomaly"
	"netdash/internal/classify"
	"netdash/internal/config"
	"netdash/internal/dashboard"
	"netdash/internal/model"
	"netdash/internal/reconcile"
	"netdash/internal/series"
	"netdash/internal/server"
	"netdash/internal/store"
)

const usage = `netdash - home network device dashboard

Usage:
  netdash init --config <path> [--base-url <url>] [--token <token>] [--listen :8080]
  netdash serve --config <path> [--listen :8080] [--state <path>]
  netdash snapshot --config <path> [--format table|yaml]
  netdash anomalies --config <path> [--q <text>] [--since today|week|all] [--category <name>] [--severity <level>]
  netdash classify <remarks text>
  netdash block --config <path> --mac <addr> [--band <band>]
  netdash unblock --config <path> --mac <addr> [--band <band>]
  netdash allow --config <path> --mac <addr> [--band <band>]
  netdash disallow --config <path> --mac <addr> [--band <band>]
  netdash stats --path <csv> --field <name> [--window 5m]

Series CSV files for stats come from GET /api/series/<name>?format=csv.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "serve":
		handleServe(os.Args[2:])
	case "snapshot":
		handleSnapshot(os.Args[2:])
	case "anomalies":
		handleAnomalies(os.Args[2:])
	case "classify":
		handleClassify(os.Args[2:])
	case "block", "unblock", "allow", "disallow":
		handleAction(reconcile.Action(cmd), os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	baseURL := fs.String("base-url", "", "upstream API base URL")
	token := fs.String("token", "", "upstream bearer token")
	listen := fs.String("listen", "", "dashboard listen address")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	var cfg config.Config
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err = config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
	}
	if *baseURL != "" {
		cfg.Upstream.BaseURL = *baseURL
	}
	if *token != "" {
		cfg.Upstream.Token = *token
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address override")
	statePath := fs.String("state", "", "opt-in device snapshot file restored at start and saved at exit; off when empty")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	config.ApplyDefaults(&cfg)

	st := store.New(nil)
	if *statePath != "" {
		snap, err := store.LoadSnapshot(*statePath)
		if err != nil {
			fatal(err)
		}
		view, err := snap.View()
		if err != nil {
			fatal(err)
		}
		st = store.New(view)
		logrus.Infof("restored %d devices from %s", view.Len(), *statePath)
	}

	dash, err := newDashboard(cfg, st)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	dash.Start(ctx)
	srv := server.New(cfg.Server, dash, logrus.NewEntry(logrus.StandardLogger()))
	serveErr := srv.ListenAndServe(ctx)
	dash.Stop()

	if *statePath != "" {
		if err := store.SaveSnapshot(*statePath, store.SnapshotOf(st.View())); err != nil {
			logrus.Errorf("save snapshot: %v", err)
		} else {
			logrus.Infof("saved snapshot to %s", *statePath)
		}
	}
	fatal(serveErr)
}

func handleSnapshot(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	format := fs.String("format", "table", "output format: table or yaml")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	dash, err := newDashboard(cfg, nil)
	if err != nil {
		fatal(err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	refreshOnce(ctx, dash)

	view := dash.Store().View()
	switch *format {
	case "yaml":
		if err := store.WriteYAML(os.Stdout, store.SnapshotOf(view)); err != nil {
			fatal(err)
		}
	case "table":
		printDevices(view.Devices())
		sum := dashboard.Summarize(view)
		fmt.Fprintf(os.Stdout, "\ndevices=%d connected=%d wired=%d wireless=%d blocked=%d allowed=%d\n",
			sum.Total, sum.Connected, sum.Wired, sum.Wireless, sum.Blocked, sum.Allowed)
		fmt.Fprintf(os.Stdout, "upload=%s download=%s\n", dashboard.FormatBytes(sum.UploadBytes), dashboard.FormatBytes(sum.DownloadBytes))
	default:
		fatal(fmt.Errorf("unknown format %q", *format))
	}
}

func printDevices(devices []model.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(os.Stdout, "no devices")
		return
	}
	fmt.Fprintf(os.Stdout, "%-17s  %-20s  %-15s  %-8s  %-8s  %-13s  %-10s  %-10s\n",
		"MAC", "HOSTNAME", "IP", "LINK", "STATUS", "FILTER", "UPLOAD", "DOWNLOAD")
	for _, d := range devices {
		filter := string(d.Filter)
		if d.Pending != model.PendingNone {
			filter += "*"
		}
		fmt.Fprintf(os.Stdout, "%-17s  %-20s  %-15s  %-8s  %-8s  %-13s  %-10s  %-10s\n",
			d.MAC, truncate(d.Hostname, 20), d.IPAddress, d.Connection, d.Activity, filter,
			dashboard.FormatBytes(d.UploadBytes), dashboard.FormatBytes(d.DownloadBytes))
	}
}

func handleAnomalies(args []string) {
	fs := flag.NewFlagSet("anomalies", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	search := fs.String("q", "", "search hostname, ip, remarks and category")
	since := fs.String("since", "", "date window: today, week or all")
	category := fs.String("category", "", "category filter")
	severity := fs.String("severity", "", "severity filter")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	dash, err := newDashboard(cfg, nil)
	if err != nil {
		fatal(err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	for _, name := range []string{dashboard.SourceLiveDevices, dashboard.SourceNotifications} {
		if _, err := dash.RefreshNow(ctx, name); err != nil {
			logrus.Warnf("refresh %s: %v", name, err)
		}
	}

	recs, err := dash.Anomalies(anomaly.Query{
		Search:   *search,
		Since:    *since,
		Category: *category,
		Severity: model.Severity(*severity),
	})
	if err != nil {
		fatal(err)
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stdout, "no anomalies")
		return
	}
	fmt.Fprintf(os.Stdout, "%-20s  %-20s  %-22s  %-8s  %-9s  %-8s  %s\n",
		"CREATED", "HOSTNAME", "CATEGORY", "SEVERITY", "KB/S", "DIR", "SUMMARY")
	for _, r := range recs {
		fmt.Fprintf(os.Stdout, "%-20s  %-20s  %-22s  %-8s  %-9.2f  %-8s  %s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"), truncate(r.Hostname, 20), r.Category,
			r.Severity, r.MagnitudeKBps, r.Direction, r.Summary)
	}
	st := anomaly.Summarize(recs)
	fmt.Fprintf(os.Stdout, "\ntotal=%d upload=%d download=%d critical=%d high=%d\n",
		st.Total, st.Upload, st.Download, st.Critical, st.High)
}

func handleClassify(args []string) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		fatal(errors.New("remarks text required"))
	}
	res := classify.Classify(text)
	fmt.Fprintf(os.Stdout, "severity=%s magnitude=%.2fKB/s direction=%s fallback=%t\n",
		res.Severity, res.MagnitudeKBps, res.Direction, res.Fallback)
	fmt.Fprintf(os.Stdout, "summary=%s\n", classify.CleanRemarks(text))
	if cause := classify.ProbableCause(text); cause != "" {
		fmt.Fprintf(os.Stdout, "probable_cause=%s\n", cause)
	}
}

func handleAction(action reconcile.Action, args []string) {
	fs := flag.NewFlagSet(string(action), flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	mac := fs.String("mac", "", "device MAC address")
	band := fs.String("band", "", "band to act on; empty means all bands")
	_ = fs.Parse(args)

	if *mac == "" {
		fatal(errors.New("--mac is required"))
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	dash, err := newDashboard(cfg, nil)
	if err != nil {
		fatal(err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	for _, name := range []string{dashboard.SourceLiveDevices, dashboard.SourceBlockedDevices} {
		if _, err := dash.RefreshNow(ctx, name); err != nil {
			fatal(err)
		}
	}

	dev, err := dash.Act(ctx, *mac, action, *band)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "%s %s: filter=%s bands=%s\n", action, dev.MAC, dev.Filter, strings.Join(dev.BandNames(), ","))
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	path := fs.String("path", "", "series CSV path")
	field := fs.String("field", "", "series field")
	window := fs.Duration("window", 5*time.Minute, "time window; 0 for all points")
	_ = fs.Parse(args)

	if *path == "" || *field == "" {
		fatal(errors.New("--path and --field are required"))
	}
	points, err := series.ReadCSV(*path)
	if err != nil {
		fatal(err)
	}

	var cutoff time.Time
	if *window > 0 {
		cutoff = time.Now().UTC().Add(-*window)
	}
	summary := series.Summarize(points, *field, cutoff)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no samples in window")
		return
	}

	fmt.Fprintf(os.Stdout, "samples=%d from=%s to=%s\n", summary.Count, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "%s avg=%.2f p95=%.2f min=%.2f max=%.2f last=%.2f\n", *field, summary.Avg, summary.P95, summary.Min, summary.Max, summary.Last)
}

func newDashboard(cfg config.Config, st *store.Store) (*dashboard.Dashboard, error) {
	config.ApplyDefaults(&cfg)
	setupLogging(cfg.LogLevel)
	return dashboard.New(dashboard.Options{
		Config:   cfg,
		Upstream: dashboard.NewUpstream(cfg.Upstream),
		Store:    st,
		Log:      logrus.NewEntry(logrus.StandardLogger()),
	})
}

// refreshOnce polls every source once, live feed first. Failures are
// reported and the last good data is kept.
func refreshOnce(ctx context.Context, dash *dashboard.Dashboard) {
	for _, st := range dash.Sources() {
		if st.Name != dashboard.SourceLiveDevices {
			continue
		}
		if _, err := dash.RefreshNow(ctx, st.Name); err != nil {
			logrus.Warnf("refresh %s: %v", st.Name, err)
		}
	}
	for _, st := range dash.Sources() {
		if st.Name == dashboard.SourceLiveDevices {
			continue
		}
		if _, err := dash.RefreshNow(ctx, st.Name); err != nil {
			logrus.Warnf("refresh %s: %v", st.Name, err)
		}
	}
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	switch strings.ToUpper(level) {
	case "DEBUG":
		logrus.SetLevel(logrus.DebugLevel)
	case "WARN":
		logrus.SetLevel(logrus.WarnLevel)
	case "ERROR":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
