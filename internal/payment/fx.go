package payment

import (
	"github.com/smallbiznis/mawared/internal/payment/reconcile"
	"github.com/smallbiznis/mawared/internal/payment/repository"
	"github.com/smallbiznis/mawared/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(reconcile.NewService),
	fx.Provide(func(svc *reconcile.Service) webhook.Reconciler { return svc }),
	fx.Provide(webhook.NewService),
)
