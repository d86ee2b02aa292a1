package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/mchmarny/txguard/pkg/client"
	"github.com/mchmarny/txguard/pkg/schema"
	"github.com/urfave/cli/v3"
)

const flagURL = "url"

func newPredictCmd() *cli.Command {
	return &cli.Command{
		Name:            "predict",
		Usage:           "Send one JSON transaction to a running server for scoring",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagURL,
				Usage:   "Base URL of a running txguard server",
				Value:   client.URLDefault,
				Sources: cli.EnvVars(envPrefix + "URL"),
			},
			fileFlag(),
		},
		Action: cmdPredict,
	}
}

func cmdPredict(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String(flagFile)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening transaction file: %w", err)
	}
	defer f.Close()

	tx, err := schema.DecodeTransaction(f)
	if err != nil {
		return fmt.Errorf("reading transaction %s: %w", path, err)
	}

	c, err := client.New(cmd.String(flagURL))
	if err != nil {
		return err
	}

	res, err := c.Predict(ctx, *tx)
	if err != nil {
		return fmt.Errorf("predicting: %w", err)
	}
	return encode(writer(cmd), res)
}
