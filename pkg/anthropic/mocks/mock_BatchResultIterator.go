package mocks

import (
	mock "github.com/stretchr/testify/mock"

	anthropic "github.com/sells-group/expert-tracker/pkg/anthropic"
)

// MockBatchResultIterator is a mock type for the BatchResultIterator interface.
type MockBatchResultIterator struct {
	mock.Mock
}

// Next provides a mock function with no fields
func (_m *MockBatchResultIterator) Next() bool {
	ret := _m.Called()

	if len(ret) == 0 {
		panic("no return value specified for Next")
	}

	return ret.Get(0).(bool)
}

// Item provides a mock function with no fields
func (_m *MockBatchResultIterator) Item() anthropic.BatchResultItem {
	ret := _m.Called()

	if len(ret) == 0 {
		panic("no return value specified for Item")
	}

	return ret.Get(0).(anthropic.BatchResultItem)
}

// Err provides a mock function with no fields
func (_m *MockBatchResultIterator) Err() error {
	ret := _m.Called()

	return ret.Error(0)
}

// Close provides a mock function with no fields
func (_m *MockBatchResultIterator) Close() error {
	ret := _m.Called()

	return ret.Error(0)
}

// NewMockBatchResultIterator creates a new instance of MockBatchResultIterator.
func NewMockBatchResultIterator(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockBatchResultIterator {
	mock := &MockBatchResultIterator{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
