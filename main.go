// Command lafm-net trains and evaluates the two-stage flow classifier
// on a CICFlowMeter CSV export.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/cvalentine99/lafm-net/internal/config"
	"github.com/cvalentine99/lafm-net/internal/ingest"
	"github.com/cvalentine99/lafm-net/internal/metrics"
	"github.com/cvalentine99/lafm-net/internal/models"
	"github.com/cvalentine99/lafm-net/internal/pipeline"
)

// setFlag collects repeated -set key=value hyperparameter overrides.
type setFlag map[string]string

func (s setFlag) String() string {
	parts := make([]string, 0, len(s))
	for k, v := range s {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (s setFlag) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	s[strings.TrimSpace(key)] = strings.TrimSpace(value)
	return nil
}

func main() {
	var (
		dataPath    = flag.String("data", "", "path to a CICFlowMeter CSV export (required)")
		vocabName   = flag.String("vocab", "cic-ids-2018", "label vocabulary: cic-ids-2018 or cic-ddos-2019")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logJSON     = flag.Bool("log-json", false, "emit JSON-formatted logs")
		metricsAddr = flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint (disabled if empty)")
		checkpoint  = flag.Bool("checkpoint", true, "persist phase artifacts to the checkpoint directory")
		overrides   = setFlag{}
	)
	flag.Var(overrides, "set", "hyperparameter override as key=value (repeatable)")
	flag.Parse()

	log := logrus.New()
	if *logJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(level)

	if *dataPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(log, *dataPath, *vocabName, *metricsAddr, *checkpoint, overrides); err != nil {
		log.WithError(err).Fatal("pipeline failed")
	}
}

func run(log *logrus.Logger, dataPath, vocabName, metricsAddr string, checkpoint bool, overrides map[string]string) error {
	cfg, err := config.FromMap(overrides)
	if err != nil {
		return err
	}

	vocab, err := models.VocabularyByName(vocabName)
	if err != nil {
		return err
	}

	orch, err := pipeline.New(cfg, log)
	if err != nil {
		return err
	}
	if checkpoint {
		if err := orch.EnableCheckpoints(); err != nil {
			return err
		}
		log.WithField("dir", cfg.CheckpointDir).Info("checkpointing enabled")
	}

	if metricsAddr != "" {
		srv := metrics.NewServer(metricsAddr)
		go func() {
			log.WithField("addr", metricsAddr).Info("metrics server listening")
			if err := srv.Start(); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer srv.Stop()
	}

	loader := ingest.NewLoader(log)
	records, _, err := loader.LoadFile(dataPath)
	if err != nil {
		return err
	}
	ds, err := models.NewDataset(records, vocab)
	if err != nil {
		return err
	}
	for class, count := range ds.ClassDistribution() {
		log.WithFields(logrus.Fields{"class": class, "count": count}).Debug("class distribution")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := orch.Run(ctx, ds)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
