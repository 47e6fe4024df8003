package tillage_test

import (
	"context"
	"fmt"
	"log"

	"github.com/aretw0/tillage"
	"github.com/aretw0/tillage/pkg/core"
)

// Example_basic creates an entity, reacts to its event and updates it.
func Example_basic() {
	ctx := context.Background()

	app, err := tillage.New(ctx, "",
		tillage.WithAdapter("memory"),
		tillage.WithRules("widget", core.Rules{"name": "required"}),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer app.Close()

	_, err = app.Bus.Subscribe("widget", func(_ context.Context, e core.Event) error {
		fmt.Println("event:", e.Type)
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	widgets, err := app.Service(ctx, "widget")
	if err != nil {
		log.Fatal(err)
	}

	w, err := widgets.Create(ctx, core.Attributes{"name": "sprocket"})
	if err != nil {
		log.Fatal(err)
	}

	_, err = widgets.Update(ctx, w, core.Attributes{"name": ""})
	fmt.Println("invalid update:", err)

	// Output:
	// event: created
	// invalid update: validation failed for widget: name: is required
}

type Widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ExampleTyped works with a struct instead of attribute maps.
func ExampleTyped() {
	ctx := context.Background()

	app, err := tillage.New(ctx, "", tillage.WithAdapter("memory"))
	if err != nil {
		log.Fatal(err)
	}
	defer app.Close()

	widgets, err := tillage.Typed[Widget](ctx, app, "widget")
	if err != nil {
		log.Fatal(err)
	}

	doc, err := widgets.Create(ctx, Widget{Name: "gear", Count: 2})
	if err != nil {
		log.Fatal(err)
	}

	doc.Data.Count++
	if err := doc.Save(ctx); err != nil {
		log.Fatal(err)
	}

	loaded, err := widgets.Get(ctx, doc.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(loaded.Data.Name, loaded.Data.Count)

	// Output:
	// gear 3
}
