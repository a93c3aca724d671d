// Command dues-export renders class dues summaries to XLSX, stores them on
// disk or in an S3 bucket, and optionally mirrors them into Google Sheets.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feeledger/internal/backend"
	"feeledger/internal/cli"
	"feeledger/internal/core"
	"feeledger/internal/export"
	flog "feeledger/internal/log"
	"feeledger/internal/services"
)

func main() {
	classID := flag.String("class", "", "export a single class (default: every class with a fee)")
	cutoffFlag := flag.String("cutoff", "", "last month to include (name or 1-12; default: configured strategy)")
	pushSheets := flag.Bool("sheets", false, "mirror summaries into GOOGLE_SPREADSHEET_ID")
	linkTTL := flag.Duration("link-ttl", 0, "print presigned download links valid for this long (S3 only)")
	flag.Parse()

	cfg, logger := cli.LoadAndValidateConfig(flog.ComponentExport)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", flog.FieldError, err)
		os.Exit(1)
	}
	store, err := backend.NewFactory(logger.Logger).CreateBackend(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to initialize backend", flog.FieldError, err)
		os.Exit(1)
	}
	defer store.Close()

	resolver, err := services.GetCutoffResolver(cfg.CutoffStrategy)
	if err != nil {
		logger.Error("Unknown cutoff strategy", flog.FieldError, err)
		os.Exit(1)
	}
	ledger := services.NewLedgerService(store.Store, resolver, nil)

	cutoff := ledger.DefaultCutoff()
	if *cutoffFlag != "" {
		if cutoff, err = core.ParseMonth(*cutoffFlag); err != nil {
			logger.Error("Invalid cutoff", flog.FieldError, err, "cutoff", *cutoffFlag)
			os.Exit(2)
		}
	}

	var (
		objects export.ObjectStore
		s3      *export.S3Store
	)
	if cfg.S3Endpoint != "" {
		s3, err = export.NewS3Store(export.S3Config{
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			UseSSL:          cfg.S3UseSSL,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
		})
		if err == nil {
			err = s3.Ping(ctx)
		}
		if err != nil {
			logger.Error("Failed to initialize S3 store", flog.FieldError, err, "bucket", cfg.S3Bucket)
			os.Exit(1)
		}
		objects = s3
	} else {
		dir, err := export.NewDirStore(cfg.ExportDir)
		if err != nil {
			logger.Error("Failed to initialize export directory", flog.FieldError, err, "dir", cfg.ExportDir)
			os.Exit(1)
		}
		objects = dir
	}

	var sheets export.SheetWriter
	if *pushSheets {
		if !cfg.SheetsEnabled() {
			logger.Error("-sheets requires GOOGLE_SPREADSHEET_ID")
			os.Exit(2)
		}
		pusher, err := export.NewSheetsPusher(ctx, export.SheetsConfig{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			CredentialsJSON: cfg.GoogleServiceAccountJSON,
			CredentialsFile: cfg.GoogleServiceAccountFile,
		})
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", flog.FieldError, err)
			os.Exit(1)
		}
		sheets = pusher
	}

	exporter := export.NewExporter(ledger, objects, sheets)
	start := time.Now()

	var (
		reports   []export.Report
		exportErr error
	)
	if *classID != "" {
		r, err := exporter.ExportClass(ctx, *classID, cutoff)
		if err == nil {
			reports = append(reports, r)
		}
		exportErr = err
	} else {
		reports, exportErr = exporter.ExportAll(ctx, cutoff, cfg.BulkConcurrency)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, r := range reports {
		out := struct {
			export.Report
			URL string `json:"url,omitempty"`
		}{Report: r}
		if s3 != nil && *linkTTL > 0 {
			if out.URL, err = s3.TemporaryURL(ctx, r.Key, *linkTTL); err != nil {
				logger.Warn("Failed to presign report", flog.FieldError, err, "key", r.Key)
			}
		}
		_ = enc.Encode(out)
	}

	if exportErr != nil {
		logger.Error("Export finished with errors", flog.FieldError, exportErr, "exported", len(reports))
		os.Exit(1)
	}
	logger.Info("Export complete",
		"classes", len(reports),
		"cutoff", cutoff.String(),
		"elapsed", time.Since(start).String())
}
