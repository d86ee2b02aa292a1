package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mchmarny/txguard/pkg/data"
	"github.com/urfave/cli/v3"
)

func newResetCmd() *cli.Command {
	return &cli.Command{
		Name:            "reset",
		Usage:           "Delete the run history and start fresh",
		HideHelpCommand: true,
		Flags:           []cli.Flag{yesFlag()},
		Action:          cmdReset,
	}
}

func cmdReset(_ context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	w := writer(cmd)

	if !cmd.Bool(flagYes) {
		fmt.Fprintf(w, "This will permanently delete the run history in %s\n", cfg.DBPath)
		fmt.Fprint(w, "Are you sure? [y/N]: ")

		ok, err := readYes(reader(cmd))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(w, "Aborted.")
			return nil
		}
	}

	// close the DB before deleting the file
	if cfg.DB != nil {
		cfg.DB.Close()
		cfg.DB = nil
	}

	if err := os.Remove(cfg.DBPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting database: %w", err)
	}
	slog.Info("database deleted", "path", cfg.DBPath)

	if err := data.Init(cfg.DBPath); err != nil {
		return fmt.Errorf("re-initializing database: %w", err)
	}

	slog.Info("database re-initialized", "path", cfg.DBPath)
	fmt.Fprintln(w, "Reset complete.")
	return nil
}
