package dertest

import (
	"context"
	"errors"

	"github.com/zpiroux/tabell/entity"
)

// MockSinkFactory creates MockSinks for any sink type, to be used when
// registering sink plugins in tests. The most recently created sink is kept
// in LastSink for test assertions on stored tables.
type MockSinkFactory struct {
	Id         string
	CloseCalls int
	LastSink   *MockSink
}

func (f *MockSinkFactory) SinkId() string {
	return f.Id
}

func (f *MockSinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	f.LastSink = &MockSink{}
	return f.LastSink, nil
}

func (f *MockSinkFactory) Close() error {
	f.CloseCalls++
	return nil
}

// MockSink records all stored tables.
type MockSink struct {
	Tables []*entity.Table
}

func (m *MockSink) Store(ctx context.Context, table *entity.Table) (string, error, bool) {
	if table == nil || table.NumRows() == 0 {
		return "", errors.New("store called without table data"), false
	}
	m.Tables = append(m.Tables, table)
	return "mockResourceId", nil, false
}

func (m *MockSink) Shutdown() {
	// nothing to mock here
}
