// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bfix/gospel/logger"

	"github.com/caolan/mutinyd/internal/config"
	"github.com/caolan/mutinyd/internal/coordinator"
	"github.com/caolan/mutinyd/internal/identity"
	"github.com/caolan/mutinyd/internal/session"
	"github.com/caolan/mutinyd/internal/store"
	"github.com/caolan/mutinyd/internal/swarm"
)

func main() {
	defer func() {
		logger.Println(logger.INFO, "[mutinyd] Bye.")
		logger.Flush()
	}()
	logger.Println(logger.INFO, "[mutinyd] Starting daemon...")

	var (
		cfgFile    string
		socket     string
		listenAddr string
		dataDir    string
		logLevel   int
	)
	flag.StringVar(&cfgFile, "c", "", "mutinyd configuration file (optional)")
	flag.StringVar(&socket, "s", "", "IPC socket path (overrides config)")
	flag.StringVar(&listenAddr, "listen", "", "overlay listen multiaddr (overrides config)")
	flag.StringVar(&dataDir, "d", "", "data directory for the identity key and database (overrides config)")
	flag.IntVar(&logLevel, "L", -1, "log level (default: from config)")
	flag.Parse()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Printf(logger.ERROR, "[mutinyd] configuration: %s", err)
		os.Exit(1)
	}
	if socket != "" {
		cfg.SocketPath = socket
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dataDir != "" {
		cfg.IdentityPath = filepath.Join(dataDir, filepath.Base(cfg.IdentityPath))
		cfg.DBPath = filepath.Join(dataDir, filepath.Base(cfg.DBPath))
	}
	if logLevel >= 0 {
		cfg.LogLevel = logLevel
	}
	logger.SetLogLevel(cfg.LogLevel)

	priv, err := identity.LoadOrGenerate(cfg.IdentityPath)
	if err != nil {
		logger.Printf(logger.ERROR, "[mutinyd] identity: %s", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Printf(logger.ERROR, "[mutinyd] cannot open database: %s", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.Migrate(ctx); err != nil {
		logger.Printf(logger.ERROR, "[mutinyd] cannot migrate database: %s", err)
		os.Exit(1)
	}

	sw, err := swarm.New(ctx, priv, cfg.ListenAddr)
	if err != nil {
		logger.Printf(logger.ERROR, "[mutinyd] cannot start swarm: %s", err)
		os.Exit(1)
	}
	defer sw.Close()
	logger.Printf(logger.INFO, "[mutinyd] local peer id: %s", sw.LocalPeerID())

	ln, err := session.Listen(ctx, cfg.SocketPath, cfg.SocketPerm)
	if err != nil {
		logger.Printf(logger.ERROR, "[mutinyd] cannot bind socket: %s", err)
		os.Exit(1)
	}
	defer ln.Close()
	logger.Printf(logger.INFO, "[mutinyd] listening on %s", cfg.SocketPath)

	for _, addr := range cfg.Bootstrap {
		if err := sw.Dial(ctx, addr); err != nil {
			logger.Printf(logger.WARN, "[mutinyd] bootstrap dial %s: %s", addr, err)
		}
	}

	coord := coordinator.New(st, sw, ln, cfg.MaxFrameSize)
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	sigCh := make(chan os.Signal, 5)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

loop:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Printf(logger.INFO, "[mutinyd] terminating on signal '%s'", sig)
				break loop
			case syscall.SIGHUP:
				logger.Println(logger.INFO, "[mutinyd] SIGHUP")
			}
		case <-done:
			logger.Println(logger.ERROR, "[mutinyd] event loop exited unexpectedly")
			break loop
		}
	}

	cancel()
	<-done
}
