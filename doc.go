// Package tillage is the composition root of the entity service layer.
//
// It wires a storage backend, a validator and an event bus into a factory
// that hands out one entity service per model type. Each service runs the
// same workflow for every write:
//
//   - validate the input against the model's rules
//   - persist inside a repository transaction
//   - publish a created, updated or deleted event once committed
//
// Storage backends:
//
//   - fs: one YAML or JSON file per entity, optionally versioned with git
//   - memory: in-process maps with staged transactions
//   - sqlite and postgres: one table keyed by model and primary key
//
// Usage:
//
//	app, err := tillage.New(ctx, "./data",
//		tillage.WithAutoInit(true),
//		tillage.WithRules("widget", core.Rules{"name": "required"}),
//	)
//	if err != nil {
//		return err
//	}
//	defer app.Close()
//
//	widgets, err := app.Service(ctx, "widget")
//	w, err := widgets.Create(ctx, core.Attributes{"name": "a"})
//
// Rules are go-playground/validator tags ("required,min=3") or boolean
// expr-lang expressions prefixed with "expr:" ("expr: value > 0").
package tillage
