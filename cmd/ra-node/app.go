package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/config"
	"github.com/resolvingarchitecture/ra-common/pkg/identity"
	"github.com/resolvingarchitecture/ra-common/pkg/node"
	"github.com/resolvingarchitecture/ra-common/pkg/observability"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log, zap.String("node", cfg.NodeID))
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	id, err := identity.LoadOrGenerate(cfg.Identity)
	if err != nil {
		zap.L().Error("failed to init identity", zap.Error(err))
		return 1
	}
	if opts.PrintDID {
		fmt.Println(id.DID)
		return 0
	}

	zap.L().Info("ra-node starting", zap.String("app", cfg.AppName))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	n, err := node.New(cfg, node.WithIdentity(id), node.WithMetrics(observability.NewMetrics("ra")))
	if err != nil {
		zap.L().Error("failed to build node", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := n.Run(ctx, opts.Grace); err != nil && !errors.Is(err, context.Canceled) {
		zap.L().Error("node exited with error", zap.Error(err))
		return 1
	}
	return 0
}
