package registry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aretw0/tillage/pkg/core"
	"github.com/aretw0/tillage/pkg/registry"
)

type Widget struct{ core.Record }

type Gadget struct{ core.Record }

var (
	widgetModel = core.NewModelType("widget", func() *Widget { return &Widget{} })
	gadgetModel = core.NewModelType("gadget", func() *Gadget { return &Gadget{} })
)

type stubRepository struct{ model string }

func (r *stubRepository) Create(_ context.Context, e core.Entity) (core.Entity, error) { return e, nil }
func (r *stubRepository) Save(_ context.Context, e core.Entity) (core.Entity, error)   { return e, nil }
func (r *stubRepository) Delete(context.Context, core.Entity) error                    { return nil }
func (r *stubRepository) ValidationRules() core.Rules                                  { return core.Rules{"name": "required"} }

type stubRepositories struct {
	calls atomic.Int32
	err   error
}

func (s *stubRepositories) Repository(_ context.Context, model core.ModelType) (core.Repository, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &stubRepository{model: model.Name()}, nil
}

// auditedService is a custom implementation wrapping the default one.
type auditedService struct {
	*core.Service
}

func countingConstructor(counter *atomic.Int32) registry.Constructor {
	return func(ctx context.Context, deps registry.Dependencies) (core.EntityService, error) {
		counter.Add(1)
		return &auditedService{Service: core.NewService(deps.Model, deps.Repository, deps.Validator, deps.Publisher, deps.Options...)}, nil
	}
}

func TestFactory_BuildRegistered(t *testing.T) {
	var built atomic.Int32
	f := registry.New(&stubRepositories{})
	require.NoError(t, f.Register(widgetModel, countingConstructor(&built)))

	first, err := f.Build(context.Background(), widgetModel)
	require.NoError(t, err)
	assert.IsType(t, &auditedService{}, first)
	assert.Equal(t, "widget", first.Model().Name())

	second, err := f.Build(context.Background(), widgetModel)
	require.NoError(t, err)
	assert.Same(t, first, second, "the cached instance is reused")
	assert.EqualValues(t, 1, built.Load())
}

func TestFactory_BuildUnregisteredUsesDefault(t *testing.T) {
	f := registry.New(&stubRepositories{})

	svc, err := f.Build(context.Background(), gadgetModel)
	require.NoError(t, err)
	assert.IsType(t, &core.Service{}, svc)
	assert.Equal(t, core.Rules{"name": "required"}, svc.Repository().ValidationRules())
	assert.Empty(t, f.Models(), "building does not register")
}

func TestFactory_Register_Invalid(t *testing.T) {
	f := registry.New(&stubRepositories{})

	tests := []struct {
		name  string
		model core.ModelType
		ctor  registry.Constructor
	}{
		{"zero model", core.ModelType{}, registry.Default},
		{"nil instance", core.NewModelType("ghost", func() *Widget { return nil }), registry.Default},
		{"nil constructor", widgetModel, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.Register(tt.model, tt.ctor)
			var regErr *core.RegistrationError
			require.ErrorAs(t, err, &regErr)
			assert.ErrorIs(t, err, core.ErrEntityService)
		})
	}
	assert.Empty(t, f.Models())
}

func TestFactory_Build_RepositoryFailure(t *testing.T) {
	cause := errors.New("database unreachable")
	f := registry.New(&stubRepositories{err: cause})

	_, err := f.Build(context.Background(), widgetModel)

	var facErr *core.FactoryError
	require.ErrorAs(t, err, &facErr)
	assert.Equal(t, "widget", facErr.Model)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, core.ErrEntityService)
}

func TestFactory_Build_ConstructorErrors(t *testing.T) {
	cause := errors.New("missing api key")
	failing := func(context.Context, registry.Dependencies) (core.EntityService, error) {
		return nil, cause
	}

	t.Run("propagated unchanged by default", func(t *testing.T) {
		f := registry.New(&stubRepositories{})
		require.NoError(t, f.Register(widgetModel, failing))

		_, err := f.Build(context.Background(), widgetModel)
		assert.Same(t, cause, err)
	})

	t.Run("wrapped on request", func(t *testing.T) {
		f := registry.New(&stubRepositories{}, registry.WithWrapConstructorErrors(true))
		require.NoError(t, f.Register(widgetModel, failing))

		_, err := f.Build(context.Background(), widgetModel)
		var facErr *core.FactoryError
		require.ErrorAs(t, err, &facErr)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("failures are not cached", func(t *testing.T) {
		f := registry.New(&stubRepositories{})
		require.NoError(t, f.Register(widgetModel, failing))
		_, err := f.Build(context.Background(), widgetModel)
		require.Error(t, err)

		require.NoError(t, f.Register(widgetModel, registry.Default))
		svc, err := f.Build(context.Background(), widgetModel)
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})
}

func TestFactory_Build_ConstructorForOtherModel(t *testing.T) {
	f := registry.New(&stubRepositories{})
	require.NoError(t, f.Register(widgetModel, func(ctx context.Context, deps registry.Dependencies) (core.EntityService, error) {
		return core.NewService(gadgetModel, deps.Repository, nil, nil), nil
	}))

	_, err := f.Build(context.Background(), widgetModel)
	var facErr *core.FactoryError
	require.ErrorAs(t, err, &facErr)
	assert.Contains(t, err.Error(), "gadget")
}

func TestFactory_ReRegisterKeepsCachedInstance(t *testing.T) {
	var first, second atomic.Int32
	f := registry.New(&stubRepositories{})
	require.NoError(t, f.Register(widgetModel, countingConstructor(&first)))

	cached, err := f.Build(context.Background(), widgetModel)
	require.NoError(t, err)

	require.NoError(t, f.Register(widgetModel, countingConstructor(&second)))
	again, err := f.Build(context.Background(), widgetModel)
	require.NoError(t, err)

	assert.Same(t, cached, again)
	assert.Zero(t, second.Load())
}

func TestFactory_ConcurrentBuildConstructsOnce(t *testing.T) {
	var built atomic.Int32
	repos := &stubRepositories{}
	f := registry.New(repos)
	require.NoError(t, f.Register(widgetModel, countingConstructor(&built)))

	const workers = 32
	results := make([]core.EntityService, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			svc, err := f.Build(context.Background(), widgetModel)
			assert.NoError(t, err)
			results[i] = svc
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, built.Load())
	assert.EqualValues(t, 1, repos.calls.Load())
	for _, svc := range results {
		assert.Same(t, results[0], svc)
	}
}

func TestFactory_BuildByName(t *testing.T) {
	f := registry.New(&stubRepositories{})
	require.NoError(t, f.Register(widgetModel, registry.Default))

	svc, err := f.BuildByName(context.Background(), "widget")
	require.NoError(t, err)
	assert.Equal(t, "widget", svc.Model().Name())

	_, err = f.BuildByName(context.Background(), "gizmo")
	assert.ErrorIs(t, err, registry.ErrUnknownModel)
}

func TestFactory_PassesSharedDependencies(t *testing.T) {
	var published []core.Event
	publisher := core.PublisherFunc(func(_ context.Context, e core.Event) { published = append(published, e) })
	var calls int
	validator := core.ValidatorFunc(func(context.Context, core.Attributes, core.Rules) (core.FieldErrors, error) {
		calls++
		return nil, nil
	})

	f := registry.New(&stubRepositories{}, registry.WithPublisher(publisher), registry.WithValidator(validator))
	svc, err := f.Build(context.Background(), widgetModel)
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), core.Attributes{"name": "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, published, 1)
	assert.Equal(t, core.EventCreated, published[0].Type)
}

func TestFactory_State(t *testing.T) {
	f := registry.New(&stubRepositories{})
	require.NoError(t, f.Register(widgetModel, registry.Default))
	_, err := f.Build(context.Background(), widgetModel)
	require.NoError(t, err)
	_, err = f.Build(context.Background(), gadgetModel)
	require.NoError(t, err)

	state, ok := f.State().(registry.FactoryState)
	require.True(t, ok)
	require.Len(t, state.Bindings, 1)
	assert.Equal(t, "widget", state.Bindings[0].Model)
	assert.Equal(t, "*registry_test.Widget", state.Bindings[0].Type)
	assert.True(t, state.Bindings[0].Cached)
	assert.Equal(t, []string{"gadget", "widget"}, state.Cached)
}

// TestFactory_CacheProperties checks that, for any interleaving of
// registrations and builds, each model is constructed at most once and every
// build returns that same instance.
func TestFactory_CacheProperties(t *testing.T) {
	models := []core.ModelType{
		widgetModel,
		gadgetModel,
		core.NewRecordModel("invoice"),
	}

	rapid.Check(t, func(rt *rapid.T) {
		counters := make(map[string]*atomic.Int32, len(models))
		for _, m := range models {
			counters[m.Name()] = &atomic.Int32{}
		}
		f := registry.New(&stubRepositories{})
		seen := make(map[string]core.EntityService)

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for range steps {
			model := rapid.SampledFrom(models).Draw(rt, "model")
			if rapid.Bool().Draw(rt, "register") {
				if err := f.Register(model, countingConstructor(counters[model.Name()])); err != nil {
					rt.Fatalf("register %s: %v", model, err)
				}
				continue
			}
			svc, err := f.Build(context.Background(), model)
			if err != nil {
				rt.Fatalf("build %s: %v", model, err)
			}
			if prev, ok := seen[model.Name()]; ok && prev != svc {
				rt.Fatalf("build %s returned a different instance", model)
			}
			seen[model.Name()] = svc
		}

		for name, c := range counters {
			if c.Load() > 1 {
				rt.Fatalf("model %s constructed %d times", name, c.Load())
			}
		}
	})
}
