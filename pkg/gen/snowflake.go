package gen

import (
	"fmt"

	"competition-engine/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("snowflake", fx.Provide(NewSnowflakeNode))

// NewSnowflakeNode builds the id generator for SNOWFLAKE.NODE; each replica needs its own node id.
func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	var nodeID int64 = 1
	if cfg != nil && cfg.Snowflake.Node > 0 {
		nodeID = cfg.Snowflake.Node
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", nodeID, err)
	}
	return node, nil
}
