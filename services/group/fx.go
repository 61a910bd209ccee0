package group

import (
	"go.uber.org/fx"
)

var Module = fx.Module("group.service",
	fx.Provide(NewService),
	fx.Invoke(RegisterRoutes),
)
