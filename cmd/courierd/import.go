package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"courierchain/config"
	"courierchain/observability/logging"
)

type importStats struct {
	Imported int
	Skipped  int
	Failed   int
}

// importOrders loads legacy order documents, one JSON object per line.
// Orders that already exist are left untouched.
func importOrders(ctx context.Context, cfg *config.Config, logger *slog.Logger, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	stats, err := importLines(ctx, store, f, logger)
	if err != nil {
		return err
	}
	logger.Info("legacy import finished",
		slog.String("file", path),
		slog.Int("imported", stats.Imported),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
	)
	if stats.Failed > 0 {
		return fmt.Errorf("%d documents could not be imported", stats.Failed)
	}
	return nil
}

type legacyImporter interface {
	ImportLegacy(ctx context.Context, raw []byte) (bool, error)
}

func importLines(ctx context.Context, dst legacyImporter, r io.Reader, logger *slog.Logger) (importStats, error) {
	var stats importStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		imported, err := dst.ImportLegacy(ctx, raw)
		switch {
		case err != nil:
			stats.Failed++
			logger.Warn("skipping legacy document", slog.Int("line", line), logging.ErrorField(err))
		case imported:
			stats.Imported++
		default:
			stats.Skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read line %d: %w", line+1, err)
	}
	return stats, nil
}
