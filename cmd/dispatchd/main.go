// Command dispatchd runs the fair route-allocation pipeline.
//
//	dispatchd run <request.json>   execute one allocation run
//	dispatchd timeline <run-id>    print a run's decision timeline
//	dispatchd reward               compute deferred rewards and retune the config
//	dispatchd train                train per-driver effort regressors
//
// Configuration comes from the environment (.env is loaded when present):
// DISPATCH_DATA_DIR for the database directory, DISPATCH_LLM_REWRITE=true to
// enable explanation rewriting, plus OPENAI_API_KEY/BASE_URL/MODEL for the
// rewriter itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/haricheung/fairdispatch/internal/bus"
	"github.com/haricheung/fairdispatch/internal/config"
	"github.com/haricheung/fairdispatch/internal/controller"
	"github.com/haricheung/fairdispatch/internal/learning"
	"github.com/haricheung/fairdispatch/internal/llm"
	"github.com/haricheung/fairdispatch/internal/store"
	"github.com/haricheung/fairdispatch/internal/types"
	"github.com/haricheung/fairdispatch/internal/ui"
)

func main() {
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ndispatchd: shutting down")
		cancel()
	}()

	st, err := openStore()
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, st, os.Args[2:])
	case "timeline":
		err = cmdTimeline(ctx, st, os.Args[2:])
	case "reward":
		err = cmdReward(ctx, st)
	case "train":
		err = cmdTrain(ctx, st)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func cmdRun(ctx context.Context, st *store.LevelDB, args []string) error {
	var path string
	jsonOut := false
	for _, a := range args {
		if a == "--json" {
			jsonOut = true
			continue
		}
		path = a
	}
	if path == "" {
		return fmt.Errorf("usage: dispatchd run <request.json> [--json]")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	var req types.AllocationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	b := bus.New()
	defer b.Close()

	var rewriter types.Rewriter
	if os.Getenv("DISPATCH_LLM_REWRITE") == "true" {
		if rw := llm.NewRewriter(); rw != nil {
			rewriter = rw
		}
	}
	bandit := learning.NewBandit(st, activeConfig(ctx, st), nil)

	ctl := controller.New(st, b, rewriter, bandit)
	resp, err := ctl.Run(ctx, req)
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	ui.PrintAllocation(resp)
	return nil
}

func cmdTimeline(ctx context.Context, st *store.LevelDB, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dispatchd timeline <run-id>")
	}
	ctl := controller.New(st, nil, nil, nil)
	tl, err := ctl.Timeline(ctx, args[0])
	if err != nil {
		return err
	}
	ui.PrintTimeline(tl)
	return nil
}

func cmdReward(ctx context.Context, st *store.LevelDB) error {
	bandit := learning.NewBandit(st, activeConfig(ctx, st), nil)
	n, err := bandit.ProcessPendingRewards(ctx)
	if err != nil {
		return err
	}
	arm, err := bandit.Retune(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("rewarded %d episodes, active config is now arm %d\n", n, arm.Index)
	return nil
}

func cmdTrain(ctx context.Context, st *store.LevelDB) error {
	today := time.Now().UTC().Format("2006-01-02")
	n, err := learning.NewTrainer(st).TrainAll(ctx, today)
	if err != nil {
		return err
	}
	fmt.Printf("trained %d driver models\n", n)
	return nil
}

func openStore() (*store.LevelDB, error) {
	dir := os.Getenv("DISPATCH_DATA_DIR")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".cache", "dispatchd")
	}
	return store.Open(filepath.Join(dir, "db"))
}

func activeConfig(ctx context.Context, st *store.LevelDB) config.Fairness {
	cfg, ok, err := st.ActiveFairnessConfig(ctx)
	if err != nil || !ok {
		return config.Default()
	}
	return cfg
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  dispatchd run <request.json> [--json]
  dispatchd timeline <run-id>
  dispatchd reward
  dispatchd train`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "dispatchd:", err)
	os.Exit(1)
}
