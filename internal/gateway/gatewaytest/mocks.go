// Package gatewaytest provides testify mocks of the gateway capabilities.
package gatewaytest

import (
	"context"

	"modbridge/backend/internal/gateway"
	"modbridge/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockInstance is a mock implementation of gateway.Instance.
type MockInstance struct {
	mock.Mock
}

var _ gateway.Instance = (*MockInstance)(nil)

func (m *MockInstance) ListReports(ctx context.Context, q gateway.ReportQuery) ([]models.Report, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Report), args.Error(1)
}

func (m *MockInstance) GetReport(ctx context.Context, reportID string) (*models.Report, error) {
	args := m.Called(ctx, reportID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Report), args.Error(1)
}

func (m *MockInstance) ResolveReport(ctx context.Context, reportID string) error {
	return m.Called(ctx, reportID).Error(0)
}

func (m *MockInstance) SetSilenced(ctx context.Context, userID string, silenced bool) error {
	return m.Called(ctx, userID, silenced).Error(0)
}

func (m *MockInstance) ListUserRoles(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockInstance) GrantRole(ctx context.Context, userID, roleID string) error {
	return m.Called(ctx, userID, roleID).Error(0)
}

func (m *MockInstance) RevokeRole(ctx context.Context, userID, roleID string) error {
	return m.Called(ctx, userID, roleID).Error(0)
}

func (m *MockInstance) SendDirectMessage(ctx context.Context, userID, text, replyToNoteID string) error {
	return m.Called(ctx, userID, text, replyToNoteID).Error(0)
}

// MockChat is a mock implementation of gateway.Chat.
type MockChat struct {
	mock.Mock
}

var _ gateway.Chat = (*MockChat)(nil)

func (m *MockChat) ListMemberRoles(ctx context.Context, chatUserID string) ([]string, error) {
	args := m.Called(ctx, chatUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockChat) AddRole(ctx context.Context, chatUserID, roleID string) error {
	return m.Called(ctx, chatUserID, roleID).Error(0)
}

func (m *MockChat) RemoveRole(ctx context.Context, chatUserID, roleID string) error {
	return m.Called(ctx, chatUserID, roleID).Error(0)
}

func (m *MockChat) SendDirectMessage(ctx context.Context, chatUserID, text string) error {
	return m.Called(ctx, chatUserID, text).Error(0)
}
