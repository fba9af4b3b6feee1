package billinguser

import (
	"github.com/smallbiznis/creditledger/internal/billinguser/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billinguser",
	fx.Provide(repository.Provide),
)
