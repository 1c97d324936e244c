package dertest

import (
	"context"

	"github.com/zpiroux/tabell/entity"
)

// MockSourceFactory creates MockSources for any source type, to be used when
// registering source plugins in tests.
type MockSourceFactory struct {
	Id         string
	CloseCalls int
}

func (f *MockSourceFactory) SourceId() string {
	return f.Id
}

func (f *MockSourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	return &MockSource{}, nil
}

func (f *MockSourceFactory) Close() error {
	f.CloseCalls++
	return nil
}

// MockSource materializes the same small product table on each call.
type MockSource struct{}

func (m *MockSource) Materialize(ctx context.Context) (*entity.Table, error) {
	return entity.NewTable(
		[]string{"productId", "name", "price"},
		[][]any{
			{"p1", "gopher plush", 12.5},
			{"p2", "gopher mug", 9.0},
		})
}
