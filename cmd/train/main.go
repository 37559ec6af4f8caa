package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/common/version"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/config"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/datasource"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/features"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/model"
	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/series"
)

const appName = "forecast-train"

func main() {
	var (
		configPath   string
		envFile      string
		snapshotPath string
		snapshotDB   string
		outputPath   string
		featureList  string
		showVersion  bool
	)

	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Path to YAML configuration file")
	flag.StringVar(&envFile, "env-file", ".env", "Env file loaded before reading configuration (ignored if absent)")
	flag.StringVar(&snapshotPath, "snapshot", "", "JSON snapshot to train on (overrides configuration)")
	flag.StringVar(&snapshotDB, "snapshot-db", "", "SQLite snapshot to train on (overrides configuration)")
	flag.StringVar(&outputPath, "output", "", "Where to write the model artifact (defaults to the configured model path)")
	flag.StringVar(&featureList, "features", strings.Join(features.Names, ","), "Comma-separated features the model uses")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")

	klog.InitFlags(nil)
	flag.Parse()

	if showVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		klog.ErrorS(err, "Failed to load configuration")
		os.Exit(1)
	}
	if snapshotPath != "" || snapshotDB != "" {
		cfg.Snapshot = config.SnapshotConfig{Path: snapshotPath, DBPath: snapshotDB}
	}
	if outputPath == "" {
		outputPath = cfg.Model.Path
	}

	if err := train(cfg.Snapshot, outputPath, splitFeatures(featureList)); err != nil {
		klog.ErrorS(err, "Training failed")
		os.Exit(1)
	}
	klog.Flush()
}

func train(snapshotCfg config.SnapshotConfig, outputPath string, names []string) error {
	store, err := datasource.NewSnapshotStore(snapshotCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Load(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load training records: %w", err)
	}

	weekly, err := series.Build(records)
	if err != nil {
		return err
	}

	rows, observed, err := model.TrainingSet(weekly, names)
	if err != nil {
		return fmt.Errorf("failed to build training set: %w", err)
	}

	klog.InfoS("Training model", "weeks", len(weekly), "samples", len(rows), "features", len(names))

	m, err := model.Fit(names, rows, observed, time.Now().UTC())
	if err != nil {
		return err
	}

	if err := model.Save(outputPath, m); err != nil {
		return err
	}

	klog.InfoS("Saved model artifact",
		"path", outputPath,
		"intercept", m.Intercept,
		"sigma", m.ResidualStd,
		"rows", m.TrainingRows)
	return nil
}

func splitFeatures(list string) []string {
	var names []string
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}
