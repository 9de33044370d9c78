package settings

import (
	"github.com/smallbiznis/mawared/internal/settings/domain"
	"github.com/smallbiznis/mawared/internal/settings/repository"
	"github.com/smallbiznis/mawared/internal/settings/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settings.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(svc domain.Service) domain.Provider { return svc }),
)
