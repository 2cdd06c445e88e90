package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	coreanalysis "github.com/park285/chess-hubble/internal/analysis"
	"github.com/park285/chess-hubble/internal/bootstrap"
	appcfg "github.com/park285/chess-hubble/internal/config"
	"github.com/park285/chess-hubble/internal/domain"
	"github.com/park285/chess-hubble/internal/obslog"
)

const usage = `usage: hubble <command> [args]

commands:
  analyse <file|-> [--save]             analyse every game in a PGN file
  batch <file>...                       analyse several PGN files concurrently
  game <id>                             analyse an archived game (stored on first use)
  player <name> [n]                     analyse a player's n most recent games
  opening <eco|-> <move>...             name the opening of a move line
  openings <player> [white|black] [min] rank a player's openings by win rate
  tree <player> [n] [plies]             most played line in a player's games`

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.New(ctx, cfg, obslog.L())
	if err != nil {
		log.Fatalf("init error: %v", err)
	}

	out, err := run(ctx, deps, os.Args[1], os.Args[2:])
	if cerr := deps.Close(); cerr != nil {
		obslog.L().Warn("shutdown_failed", zap.Error(cerr))
	}
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		log.Fatalf("%s: %v", os.Args[1], err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("write output: %v", err)
	}
}

var errUsage = errors.New("usage")

func run(ctx context.Context, deps *bootstrap.Deps, cmd string, args []string) (any, error) {
	svc := deps.Service
	switch cmd {
	case "analyse", "analyze":
		if len(args) < 1 {
			return nil, errUsage
		}
		save := len(args) > 1 && args[1] == "--save"
		r, closeFn, err := openInput(args[0])
		if err != nil {
			return nil, err
		}
		defer closeFn()
		outs, err := svc.AnalysePGN(ctx, r, save)
		if err != nil {
			return nil, err
		}
		return toReports(outs), nil

	case "batch":
		if len(args) < 1 {
			return nil, errUsage
		}
		texts := make([]string, 0, len(args))
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			texts = append(texts, string(data))
		}
		outs, err := deps.Analyser.RunGames(ctx, texts, deps.Workers)
		if err != nil {
			return nil, err
		}
		return toReports(outs), nil

	case "game":
		if len(args) != 1 {
			return nil, errUsage
		}
		return svc.AnalyseGame(ctx, args[0])

	case "player":
		if len(args) < 1 {
			return nil, errUsage
		}
		n, err := optInt(args, 1)
		if err != nil {
			return nil, err
		}
		return svc.AnalysePlayer(ctx, args[0], n)

	case "opening":
		if len(args) < 2 {
			return nil, errUsage
		}
		code := args[0]
		if code == "-" {
			code = ""
		}
		return svc.FindOpening(ctx, code, args[1:])

	case "openings":
		if len(args) < 1 {
			return nil, errUsage
		}
		colour := coreanalysis.AnyColour
		if len(args) > 1 {
			c, err := coreanalysis.ParseColour(args[1])
			if err != nil {
				return nil, err
			}
			colour = c
		}
		minGames, err := optInt(args, 2)
		if err != nil {
			return nil, err
		}
		return svc.PlayerOpenings(ctx, args[0], colour, minGames)

	case "tree":
		if len(args) < 1 {
			return nil, errUsage
		}
		n, err := optInt(args, 1)
		if err != nil {
			return nil, err
		}
		plies, err := optInt(args, 2)
		if err != nil {
			return nil, err
		}
		tree, err := svc.OpeningTree(ctx, args[0], n, plies)
		if err != nil {
			return nil, err
		}
		line, err := tree.MainLine("", plies)
		if err != nil {
			return nil, err
		}
		return map[string]any{"games": tree.Games(), "main_line": line}, nil

	default:
		return nil, errUsage
	}
}

// report is the printable form of an Outcome; errors become strings.
type report struct {
	Ordinal int                `json:"ordinal"`
	Record  *domain.GameRecord `json:"record,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func toReports(outs []coreanalysis.Outcome) []report {
	reports := make([]report, 0, len(outs))
	for i, o := range outs {
		r := report{Ordinal: i + 1, Record: o.Record}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		reports = append(reports, r)
	}
	return reports
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func optInt(args []string, i int) (int, error) {
	if len(args) <= i {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(args[i]))
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", args[i])
	}
	return n, nil
}
