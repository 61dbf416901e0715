// Command lmv-rotate performs an offline passphrase rotation against a data
// directory: every snapshot and journal entry is re-encrypted under the new
// passphrase and the live artifacts are swapped atomically (§4.4 "Passphrase
// rotation"). It must not be run against a directory a running lmvd is
// currently serving.
package main

import (
	"log/slog"
	"os"

	"github.com/lmv-io/lmv/internal/config"
	"github.com/lmv-io/lmv/internal/vault"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadRotate()
	if err != nil {
		os.Stderr.WriteString("lmv-rotate: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Info("opening vault for rotation", slog.String("data_dir", cfg.DataDir))
	engine, err := vault.Open(cfg.DataDir, cfg.OldPassphrase)
	if err != nil {
		logger.Error("failed to open vault", slog.Any("error", err))
		os.Exit(1)
	}

	before, err := engine.VerifyLedger()
	if err != nil {
		logger.Error("pre-rotation verification failed, aborting", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("pre-rotation ledger verified", slog.Int64("entries", before))

	if err := engine.Rotate(cfg.NewPassphrase); err != nil {
		logger.Error("rotation failed", slog.Any("error", err))
		os.Exit(1)
	}

	after, err := engine.VerifyLedger()
	if err != nil {
		logger.Error("post-rotation verification failed", slog.Any("error", err))
		os.Exit(1)
	}
	if after != before {
		logger.Error("post-rotation ledger length changed unexpectedly",
			slog.Int64("before", before), slog.Int64("after", after))
		os.Exit(1)
	}

	logger.Info("rotation complete", slog.Int64("entries", after))
}
