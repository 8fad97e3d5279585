// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Replay() config.ReplayConfig {
	args := m.Called()
	return args.Get(0).(config.ReplayConfig)
}

func (m *MockConfig) Activity() config.ActivityConfig {
	args := m.Called()
	return args.Get(0).(config.ActivityConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) Scheduler() config.SchedulerConfig {
	args := m.Called()
	return args.Get(0).(config.SchedulerConfig)
}

func (m *MockConfig) Results() config.ResultsConfig {
	args := m.Called()
	return args.Get(0).(config.ResultsConfig)
}

// --- Setters ---

func (m *MockConfig) SetReplayMinMatchScore(f float64) {
	m.Called(f)
}

func (m *MockConfig) SetReplayPromptEnabled(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetReplayMaxSkippedEvents(n int) {
	m.Called(n)
}

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

// -- Browser Mocks --

// MockHost mocks replay.Host.
type MockHost struct {
	mock.Mock
}

var _ replay.Host = (*MockHost)(nil)

func (m *MockHost) Tabs() []schemas.TabInfo {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]schemas.TabInfo)
}

func (m *MockHost) CurrentURL(tabID string) string {
	return m.Called(tabID).String(0)
}

func (m *MockHost) Navigate(tabID, url string) error {
	return m.Called(tabID, url).Error(0)
}

func (m *MockHost) OpenTab(url string, window bool) error {
	return m.Called(url, window).Error(0)
}

func (m *MockHost) CloseTab(tabID string) error {
	return m.Called(tabID).Error(0)
}

func (m *MockHost) FocusTab(tabID string) error {
	return m.Called(tabID).Error(0)
}

func (m *MockHost) DismissDialog(tabID string) error {
	return m.Called(tabID).Error(0)
}

// MockContent mocks replay.Content.
type MockContent struct {
	mock.Mock
}

var _ replay.Content = (*MockContent)(nil)

func (m *MockContent) SearchElement(req schemas.ElementSearchRequest) error {
	return m.Called(req).Error(0)
}

func (m *MockContent) SearchKeyword(req schemas.KeywordSearchRequest) error {
	return m.Called(req).Error(0)
}

func (m *MockContent) EvaluateAssertion(req schemas.AssertionRequest) error {
	return m.Called(req).Error(0)
}

func (m *MockContent) DispatchEvent(req schemas.DispatchRequest) error {
	return m.Called(req).Error(0)
}

// -- Result Mocks --

// MockRunPersister mocks the result store.
type MockRunPersister struct {
	mock.Mock
}

func (m *MockRunPersister) PersistRun(ctx context.Context, tree *results.Tree) error {
	return m.Called(ctx, tree).Error(0)
}

// MockPublisher mocks the bus publishing surface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) TryPost(topic bus.Topic, payload any) bool {
	return m.Called(topic, payload).Bool(0)
}
