package gen

import (
	"smallbiznis-loyalty/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("snowflake", fx.Provide(NewSnowflakeNode))

// NewSnowflakeNode builds the id node for this replica. NODE_ID must be unique
// per running process (0-1023).
func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	nodeID := cfg.NodeID
	if nodeID == 0 {
		nodeID = 1
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		zap.L().Error("failed to init snowflake node", zap.Int64("node_id", nodeID), zap.Error(err))
		return nil, err
	}
	return node, nil
}
