package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"assistant-sync/internal/config"
	"assistant-sync/internal/docstore"
	"assistant-sync/internal/docstore/memory"
	"assistant-sync/internal/helper"
	"assistant-sync/internal/models"
	"assistant-sync/internal/state"
	"assistant-sync/internal/synchronizer"
)

const defaultConfigFilePath = "./configs/config.yaml"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	overwrite := flag.Bool("overwrite", false, "Delete the existing vector store and upload again")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Error loading .env file")
	}

	configFilePath := os.Getenv("CONFIG_FILE")
	if configFilePath == "" {
		configFilePath = defaultConfigFilePath
	}
	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	setLogLevel(cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := newSynchronizer(cfg).Reconcile(ctx, *overwrite)
	if errors.Is(err, synchronizer.ErrStoreExists) {
		log.Info().Str("store", cfg.Store.Name).Msg("Nothing changed. Run again with --overwrite to replace the vector store")
		return
	}
	if err != nil {
		stop()
		log.Fatal().Err(err).Str("run_id", report.RunID).Msg("Synchronization failed")
	}

	helper.PrettyPrint(os.Stdout, report)
}

func newSynchronizer(cfg *config.Config) *synchronizer.Synchronizer {
	poll := docstore.PollConfig{Interval: cfg.Upload.PollInterval, Timeout: cfg.Upload.PollTimeout}

	var service docstore.Service
	var st *state.File
	if cfg.DryRun {
		log.Warn().Msg("Dry run, nothing is sent to the document store")
		service = memory.New(poll)
	} else {
		service = docstore.NewOpenAIStore(&cfg.OpenAI, poll)

		if err := helper.CreateParentFolder(cfg.State.Path); err != nil {
			log.Fatal().Err(err).Msg("Error preparing state file")
		}
		st = state.NewFile(osfs.New(filepath.Dir(cfg.State.Path)), filepath.Base(cfg.State.Path))
	}

	log.Debug().Str("dir", cfg.Input.Dir).Str("store", cfg.Store.Name).Str("assistant", cfg.Assistant.Name).Msg("Loaded config")

	return synchronizer.New(service, osfs.New(cfg.Input.Dir), st, synchronizer.Options{
		StoreName: cfg.Store.Name,
		Assistant: models.AssistantSpec{
			Name:         cfg.Assistant.Name,
			Instructions: cfg.Assistant.Instructions,
			Model:        cfg.Assistant.Model,
			Tools:        []string{models.FileSearchTool},
		},
		Extensions:          cfg.Input.Extensions,
		ConvertSpreadsheets: cfg.Input.ConvertSpreadsheets,
		MatchMode:           cfg.Match.Mode,
	})
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
