package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/peerbook/params"
	"github.com/uhyunpark/peerbook/pkg/client"
	"github.com/uhyunpark/peerbook/pkg/node"
	"github.com/uhyunpark/peerbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	// peer <name> overrides PEER_NAME
	if len(os.Args) > 1 && os.Args[1] != "" {
		cfg.Peer.Name = os.Args[1]
	}

	logFile := cfg.Log.File
	if logFile == "" {
		logFile = filepath.Join(cfg.Peer.DataDir, cfg.Peer.Name+".log")
	}
	logger, err := util.NewLoggerWithFile(logFile, cfg.Log.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile, "verbose", cfg.Log.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	peer, err := node.New(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("peer_init_failed", "err", err)
	}
	defer func() {
		if err := peer.Close(); err != nil {
			sugar.Warnw("peer_close_failed", "err", err)
		}
		sugar.Infow("peer_stopped", "name", cfg.Peer.Name)
	}()

	fmt.Printf("rpc public key: %s\n", peer.RPCKey())
	for _, a := range peer.SwarmAddrs() {
		fmt.Printf("swarm address:  %s\n", a)
	}
	if addr := peer.APIAddr(); addr != "" {
		fmt.Printf("observer api:   http://%s\n", addr)
	}
	fmt.Println("commands: sell:<ticker>:<price> | bid:<ticker>:<price>:<key> | terminate:<ticker> | ping[:<key>] | exit")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return peer.Run(gctx) })
	g.Go(func() error {
		err := peer.Client().Run(gctx, os.Stdin)
		if errors.Is(err, client.ErrExit) {
			sugar.Infow("exit_requested")
			stop()
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("peer_failed", "err", err)
	}
}
