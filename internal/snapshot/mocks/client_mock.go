package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/tinytelemetry/snapsync/internal/model"
	"github.com/tinytelemetry/snapsync/internal/snapshot"
)

// MockClient is a mock implementation of snapshot.Client
type MockClient struct {
	mock.Mock
}

var _ snapshot.Client = (*MockClient)(nil)

func (m *MockClient) Get(ctx context.Context, token, id string) (*model.Snapshot, error) {
	args := m.Called(ctx, token, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Snapshot), args.Error(1)
}

func (m *MockClient) Create(ctx context.Context, token string, req snapshot.Request) (*model.Snapshot, error) {
	args := m.Called(ctx, token, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Snapshot), args.Error(1)
}

func (m *MockClient) Update(ctx context.Context, token, id string, req snapshot.Request) (*model.Snapshot, error) {
	args := m.Called(ctx, token, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Snapshot), args.Error(1)
}
