package graph

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/teamflow/config"
	"github.com/BaSui01/teamflow/graph/remote"
	"github.com/BaSui01/teamflow/graph/replay"
	"github.com/BaSui01/teamflow/workflow"
)

// New builds the graph selected by cfg.Mode.
func New(cfg config.GraphConfig, logger *zap.Logger) (workflow.Graph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Mode {
	case config.GraphModeRemote:
		return remote.New(cfg, remote.WithLogger(logger))
	case config.GraphModeReplay:
		return replay.New(cfg.ReplayFile,
			replay.WithDelay(cfg.ReplayDelay),
			replay.WithLogger(logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown graph mode %q", cfg.Mode)
	}
}
