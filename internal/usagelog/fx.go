package usagelog

import (
	"github.com/smallbiznis/creditmeter/internal/usagelog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usagelog.service",
	fx.Provide(service.New),
)
