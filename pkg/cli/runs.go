package cli

import (
	"context"
	"fmt"

	"github.com/mchmarny/txguard/pkg/data"
	"github.com/urfave/cli/v3"
)

func newRunsCmd() *cli.Command {
	return &cli.Command{
		Name:            "runs",
		Usage:           "List training and scoring history",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  flagLimit,
				Usage: "Maximum runs listed per kind",
				Value: data.RunListLimitDefault,
			},
		},
		Action: cmdRuns,
	}
}

// RunHistory is the output of the runs command.
type RunHistory struct {
	State    map[string]int64    `json:"state" yaml:"state"`
	Training []*data.TrainingRun `json:"training" yaml:"training"`
	Scoring  []*data.ScoringRun  `json:"scoring" yaml:"scoring"`
}

func cmdRuns(_ context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	limit := cmd.Int(flagLimit)

	state, err := data.GetDataState(cfg.DB)
	if err != nil {
		return fmt.Errorf("getting history state: %w", err)
	}

	tr, err := data.ListTrainingRuns(cfg.DB, limit)
	if err != nil {
		return err
	}

	sr, err := data.ListScoringRuns(cfg.DB, limit)
	if err != nil {
		return err
	}

	return encode(writer(cmd), &RunHistory{State: state, Training: tr, Scoring: sr})
}
