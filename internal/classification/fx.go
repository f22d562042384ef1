package classification

import "go.uber.org/fx"

var Module = fx.Module("classification",
	fx.Provide(NewClassifier),
)
