package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/mchmarny/txguard/pkg/corpus"
	"github.com/mchmarny/txguard/pkg/data"
	"github.com/mchmarny/txguard/pkg/detector"
	"github.com/mchmarny/txguard/pkg/training"
	"github.com/urfave/cli/v3"
)

const (
	flagData          = "data"
	flagModels        = "models"
	flagMaxMB         = "max-mb"
	flagEnforceBudget = "enforce-budget"
	flagYes           = "yes"
	flagEstimators    = "estimators"
	flagMaxSamples    = "max-samples"
	flagContamination = "contamination"
	flagSeed          = "seed"
	flagWorkers       = "workers"
)

func dataFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    flagData,
		Aliases: []string{"d"},
		Usage:   "Path to the transaction corpus CSV (default: data/transactions.csv)",
		Sources: cli.EnvVars(envPrefix + "DATA"),
	}
}

func modelsFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    flagModels,
		Aliases: []string{"m"},
		Usage:   "Directory holding the scaler and model artifacts (default: models)",
		Sources: cli.EnvVars(envPrefix + "MODELS"),
	}
}

func maxMBFlag() cli.Flag {
	return &cli.IntFlag{
		Name:  flagMaxMB,
		Usage: "Corpus size budget in megabytes (default: 100)",
	}
}

func yesFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    flagYes,
		Aliases: []string{"y"},
		Usage:   "Do not ask for confirmation",
	}
}

func seedFlag() cli.Flag {
	return &cli.Uint64Flag{
		Name:  flagSeed,
		Usage: "Random seed (default: 42)",
	}
}

func newTrainCmd() *cli.Command {
	return &cli.Command{
		Name:            "train",
		Usage:           "Fit the scaler and isolation forest on a transaction corpus",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			dataFlag(),
			modelsFlag(),
			maxMBFlag(),
			&cli.BoolFlag{
				Name:  flagEnforceBudget,
				Usage: "Truncate the corpus in place when it exceeds the size budget",
			},
			yesFlag(),
			&cli.IntFlag{
				Name:  flagEstimators,
				Usage: "Number of isolation trees (default: 100)",
			},
			&cli.IntFlag{
				Name:  flagMaxSamples,
				Usage: "Rows drawn for each tree (default: 256)",
			},
			&cli.FloatFlag{
				Name:  flagContamination,
				Usage: "Expected fraction of anomalies in the corpus (default: 0.002)",
			},
			seedFlag(),
			&cli.IntFlag{
				Name:  flagWorkers,
				Usage: "Trees fitted in parallel",
				Value: runtime.NumCPU(),
			},
		},
		Action: cmdTrain,
	}
}

func newGuardCmd() *cli.Command {
	return &cli.Command{
		Name:            "guard",
		Usage:           "Truncate the corpus in place to fit the size budget",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			dataFlag(),
			maxMBFlag(),
			yesFlag(),
		},
		Action: cmdGuard,
	}
}

func cmdTrain(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	t := cfg.Config.Training

	opt := training.Options{
		DataPath:  stringValue(cmd, flagData, t.DataPath),
		ModelsDir: stringValue(cmd, flagModels, t.ModelsDir),
		MaxBytes:  corpus.MegabytesToBytes(intValue(cmd, flagMaxMB, t.MaxSizeMB)),
		Model: detector.Config{
			Estimators:    intValue(cmd, flagEstimators, t.Estimators),
			MaxSamples:    intValue(cmd, flagMaxSamples, t.MaxSamples),
			Contamination: floatValue(cmd, flagContamination, t.Contamination),
			Seed:          uint64Value(cmd, flagSeed, t.Seed),
			Workers:       cmd.Int(flagWorkers),
		},
	}

	if cmd.Bool(flagEnforceBudget) {
		ok, err := confirmTruncation(cmd, opt.DataPath, opt.MaxBytes)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(writer(cmd), "Aborted.")
			return nil
		}
		opt.EnforceBudget = true
	}

	rep, err := training.Run(ctx, opt)
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}

	run := &data.TrainingRun{
		PairID:        rep.PairID,
		DataPath:      rep.DataPath,
		ModelsDir:     rep.ModelsDir,
		Rows:          rep.Rows,
		Features:      rep.Features,
		Anomalies:     rep.Anomalies,
		Estimators:    rep.Model.Estimators,
		Contamination: rep.Model.Contamination,
		Seed:          rep.Model.Seed,
		Offset:        rep.Offset,
		Truncated:     rep.Guard != nil && rep.Guard.Truncated,
		Duration:      rep.Duration,
	}
	if err := data.SaveTrainingRun(cfg.DB, run); err != nil {
		slog.Warn("training run not recorded", "error", err)
	}

	return encode(writer(cmd), rep)
}

func cmdGuard(_ context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	path := stringValue(cmd, flagData, cfg.Config.Training.DataPath)
	maxBytes := corpus.MegabytesToBytes(intValue(cmd, flagMaxMB, cfg.Config.Training.MaxSizeMB))

	ok, err := confirmTruncation(cmd, path, maxBytes)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(writer(cmd), "Aborted.")
		return nil
	}

	rep, err := corpus.EnforceSizeBudget(path, maxBytes)
	if rep != nil {
		if encErr := encode(writer(cmd), rep); encErr != nil {
			return encErr
		}
	}
	return err
}

// confirmTruncation asks before a destructive rewrite of an over-budget corpus.
// It returns true without asking when the file fits or --yes was passed.
func confirmTruncation(cmd *cli.Command, path string, maxBytes int64) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("checking corpus %s: %w", path, err)
	}
	if info.Size() <= maxBytes || cmd.Bool(flagYes) {
		return true, nil
	}

	w := writer(cmd)
	fmt.Fprintf(w, "%s is %d bytes, over the %d byte budget.\n", path, info.Size(), maxBytes)
	fmt.Fprintln(w, "Rows past the budget will be permanently removed from the end of the file.")
	fmt.Fprint(w, "Are you sure? [y/N]: ")

	return readYes(reader(cmd))
}

func readYes(r io.Reader) (bool, error) {
	answer, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading input: %w", err)
	}
	return strings.ToLower(strings.TrimSpace(answer)) == "y", nil
}

func reader(cmd *cli.Command) io.Reader {
	if r := cmd.Root().Reader; r != nil {
		return r
	}
	return os.Stdin
}

func stringValue(cmd *cli.Command, name, def string) string {
	if cmd.IsSet(name) {
		return cmd.String(name)
	}
	return def
}

func intValue(cmd *cli.Command, name string, def int) int {
	if cmd.IsSet(name) {
		return cmd.Int(name)
	}
	return def
}

func floatValue(cmd *cli.Command, name string, def float64) float64 {
	if cmd.IsSet(name) {
		return cmd.Float(name)
	}
	return def
}

func uint64Value(cmd *cli.Command, name string, def uint64) uint64 {
	if cmd.IsSet(name) {
		return cmd.Uint64(name)
	}
	return def
}
