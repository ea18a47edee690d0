package branching

import (
	"github.com/uptrace/bun"
	"go.uber.org/fx"
)

// Module provides branching dependencies
var Module = fx.Module("branching",
	fx.Provide(
		newStoreFromDB,
		NewProvisioner,
		NewService,
		NewProvisionWorker,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(registerWorkerLifecycle),
)

// newStoreFromDB creates a branching store with the bun DB (fx constructor)
func newStoreFromDB(db *bun.DB) *Store {
	return NewStore(db)
}
