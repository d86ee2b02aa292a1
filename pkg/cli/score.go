package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mchmarny/txguard/pkg/corpus"
	"github.com/mchmarny/txguard/pkg/data"
	"github.com/mchmarny/txguard/pkg/scoring"
	"github.com/urfave/cli/v3"
)

const (
	flagFile  = "file"
	flagLimit = "limit"
	flagAll   = "all"
)

func fileFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     flagFile,
		Aliases:  []string{"f"},
		Usage:    "Path to the input file",
		Required: true,
	}
}

func limitFlag() cli.Flag {
	return &cli.IntFlag{
		Name:  flagLimit,
		Usage: "Maximum rows scored from a file, larger files are sampled (default: 15000)",
	}
}

func newScoreCmd() *cli.Command {
	return &cli.Command{
		Name:            "score",
		Usage:           "Score a CSV file of transactions with the trained model",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			fileFlag(),
			modelsFlag(),
			limitFlag(),
			seedFlag(),
			&cli.BoolFlag{
				Name:  flagAll,
				Usage: "Include every scored row in the output, not only the suspects",
			},
		},
		Action: cmdScore,
	}
}

// ScoreSummary is the output of the score command.
type ScoreSummary struct {
	PairID    string              `json:"pair_id" yaml:"pairId"`
	File      string              `json:"file" yaml:"file"`
	Total     int                 `json:"total" yaml:"total"`
	Scored    int                 `json:"scored" yaml:"scored"`
	Sampled   bool                `json:"sampled" yaml:"sampled"`
	Anomalies int                 `json:"anomalies" yaml:"anomalies"`
	Skipped   int                 `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Rows      []scoring.ScoredRow `json:"rows" yaml:"rows"`
}

func cmdScore(_ context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	path := cmd.String(flagFile)

	svc, err := scoring.Load(stringValue(cmd, flagModels, cfg.Config.Server.ModelsDir))
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}

	tbl, err := corpus.Read(path)
	if err != nil {
		return err
	}

	opt := scoring.BatchOptions{
		Limit: intValue(cmd, flagLimit, cfg.Config.Server.BatchLimit),
		Seed:  uint64Value(cmd, flagSeed, cfg.Config.Server.SampleSeed),
	}
	res, err := svc.ScoreTable(tbl, opt)
	if err != nil {
		return fmt.Errorf("scoring %s: %w", path, err)
	}

	recordScoringRun(cfg.DB, res, data.SourceCLI)

	sum := &ScoreSummary{
		PairID:    res.PairID,
		File:      path,
		Total:     res.Total,
		Scored:    res.Scored,
		Sampled:   res.Sampled,
		Anomalies: res.Anomalies,
		Skipped:   tbl.Skipped,
		Rows:      res.Suspects(),
	}
	if cmd.Bool(flagAll) {
		sum.Rows = res.Rows
	}
	return encode(writer(cmd), sum)
}

func recordScoringRun(db *sql.DB, res *scoring.BatchResult, source string) {
	if db == nil {
		return
	}
	run := &data.ScoringRun{
		PairID:     res.PairID,
		Source:     source,
		TotalRows:  res.Total,
		ScoredRows: res.Scored,
		Anomalies:  res.Anomalies,
		Sampled:    res.Sampled,
	}
	if err := data.SaveScoringRun(db, run); err != nil {
		slog.Warn("scoring run not recorded", "error", err)
	}
}
