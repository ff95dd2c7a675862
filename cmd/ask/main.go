package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/codeqa/internal/config"
	"github.com/seanblong/codeqa/internal/rag"
)

func main() {
	fs := pflag.NewFlagSet("codeqa-ask", pflag.ExitOnError)
	artifactID := fs.String("artifact-id", "", "Restrict the question to one indexed artifact")
	textOnly := fs.Bool("text", false, "Print only the answer text")

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	// stdout carries the answer
	zlog.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	question := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(question) == "" {
		fmt.Fprintln(os.Stderr, "usage: codeqa-ask [flags] <question>")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, question, *artifactID, *textOnly); err != nil {
		zlog.Error().Err(err).Msg("ask failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Specification, question, artifactID string, textOnly bool) (err error) {
	eng, err := rag.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := eng.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ans, err := eng.Ask(ctx, question, artifactID)
	if err != nil {
		return err
	}

	if textOnly {
		fmt.Println(ans.Text)
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(ans)
}
