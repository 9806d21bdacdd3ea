/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// trackprobe runs the analyser against files on disk and inspects or warms
// the analysis cache. It is an operator tool; the player never shells out
// to it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/skald_automix/internal/analyzer"
	"github.com/friendsincode/skald_automix/internal/cache"
	"github.com/friendsincode/skald_automix/internal/config"
	"github.com/friendsincode/skald_automix/internal/db"
	"github.com/friendsincode/skald_automix/internal/logging"
)

var (
	logger zerolog.Logger
	cfg    *config.Config

	flagWindow  float64
	flagHead    bool
	flagAsJSON  bool
	flagRecurse bool
)

var audioExtensions = map[string]bool{
	".mp3": true, ".flac": true, ".ogg": true, ".opus": true,
	".m4a": true, ".aac": true, ".wav": true, ".wv": true,
}

var rootCmd = &cobra.Command{
	Use:   "trackprobe",
	Short: "Analyse audio files and manage the Skald analysis cache",
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [paths...]",
	Short: "Analyse files (or directories) and warm the cache",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAnalyze,
}

var suggestCmd = &cobra.Command{
	Use:   "suggest <current> <next>",
	Short: "Print the analyser's transition proposal and long-mix plan for a pair",
	Args:  cobra.ExactArgs(2),
	RunE:  runSuggest,
}

func init() {
	analyzeCmd.Flags().Float64Var(&flagWindow, "window", 60, "analysis window in seconds")
	analyzeCmd.Flags().BoolVar(&flagHead, "head", false, "run the fast head-only analysis")
	analyzeCmd.Flags().BoolVar(&flagAsJSON, "json", false, "print raw JSON instead of a summary")
	analyzeCmd.Flags().BoolVarP(&flagRecurse, "recursive", "r", false, "descend into directories")
	suggestCmd.Flags().BoolVar(&flagAsJSON, "json", false, "print raw JSON instead of a summary")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(suggestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setup() (*analyzer.Gateway, func(), error) {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger = logging.Setup(cfg.Environment)

	gormDB, err := db.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache store: %w", err)
	}
	store, err := cache.NewStore(gormDB, nil, logger)
	if err != nil {
		_ = db.Close(gormDB)
		return nil, nil, fmt.Errorf("init analysis cache: %w", err)
	}

	gwCfg := analyzer.DefaultConfig(cfg.AnalyzerBin)
	gwCfg.WorkDir = cfg.AnalyzerWorkDir
	gw := analyzer.New(gwCfg, store, logger)

	return gw, func() { _ = db.Close(gormDB) }, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	gw, closeFn, err := setup()
	if err != nil {
		return err
	}
	defer closeFn()

	files, err := collectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no audio files found")
	}

	ctx := context.Background()
	failed := 0
	for _, path := range files {
		var result any
		var err error
		if flagHead {
			result, err = gw.AnalyzeHead(ctx, path, flagWindow)
		} else {
			result, err = gw.Analyze(ctx, path, flagWindow)
		}
		if err != nil {
			logger.Error().Err(err).Str("file", path).Msg("analysis failed")
			failed++
			continue
		}
		printResult(path, result)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

func runSuggest(cmd *cobra.Command, args []string) error {
	gw, closeFn, err := setup()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()

	proposal, err := gw.SuggestTransition(ctx, args[0], args[1])
	if err != nil {
		logger.Warn().Err(err).Msg("no transition proposal")
	} else {
		printResult("proposal", proposal)
	}

	longMix, err := gw.SuggestLongMix(ctx, args[0], args[1])
	if err != nil {
		logger.Warn().Err(err).Msg("no long mix plan")
	} else {
		printResult("long mix", longMix)
	}
	return nil
}

func collectFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		if !flagRecurse {
			entries, err := os.ReadDir(arg)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				if !e.IsDir() && audioExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
					files = append(files, filepath.Join(arg, e.Name()))
				}
			}
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && audioExtensions[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func printResult(label string, v any) {
	if flagAsJSON {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal %s: %v\n", label, err)
			return
		}
		fmt.Printf("%s\n", raw)
		return
	}
	fmt.Printf("%s:\n", label)
	raw, _ := json.MarshalIndent(v, "  ", "  ")
	fmt.Printf("  %s\n", raw)
}
