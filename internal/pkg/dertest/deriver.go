package dertest

import (
	"context"

	"github.com/zpiroux/tabell/entity"
)

// MockDeriverFactory creates MockDerivers for any deriver type, to be used
// when registering deriver plugins in tests.
type MockDeriverFactory struct {
	Id         string
	CloseCalls int
}

func (f *MockDeriverFactory) DeriverId() string {
	return f.Id
}

func (f *MockDeriverFactory) NewDeriver(ctx context.Context, c entity.Config) (entity.Deriver, error) {
	return &MockDeriver{}, nil
}

func (f *MockDeriverFactory) Close() error {
	f.CloseCalls++
	return nil
}

// MockDeriver passes the resolved input table through unchanged.
type MockDeriver struct{}

func (m *MockDeriver) Derive(ctx context.Context, deps entity.Dependencies) (*entity.Table, error) {
	return deps.Resolve("")
}
