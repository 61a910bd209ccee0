package sequence

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"eduplane/pkg/config"
)

var Module = fx.Module("sequence",
	fx.Provide(NewNode),
)

type Params struct {
	fx.In

	Cfg *config.Config
}

// NewNode builds the process-wide snowflake generator. Every persisted id in
// the system comes from this node; the node id must be unique per instance
// when running more than one replica.
func NewNode(p Params) (*snowflake.Node, error) {
	return snowflake.NewNode(p.Cfg.Server.NodeID)
}
