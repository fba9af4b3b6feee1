package apikey

import (
	"github.com/smallbiznis/creditledger/internal/apikey/repository"
	"github.com/smallbiznis/creditledger/internal/apikey/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
