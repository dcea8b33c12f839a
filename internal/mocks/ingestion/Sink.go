// Hand-written in the layout mockery v2 emits with --with-expecter; running
// go generate ./internal/mocks replaces it with generated output.

package ingestionmocks

import (
	aggregation "github.com/aevon-lab/metricflow/internal/aggregation"
	metrics "github.com/aevon-lab/metricflow/internal/core/metrics"

	mock "github.com/stretchr/testify/mock"
)

// Sink is a mock type for the ingestion.Sink type
type Sink struct {
	mock.Mock
}

type Sink_Expecter struct {
	mock *mock.Mock
}

func (_m *Sink) EXPECT() *Sink_Expecter {
	return &Sink_Expecter{mock: &_m.Mock}
}

// In provides a mock function with given fields: m
func (_m *Sink) In(m metrics.Metrics) bool {
	ret := _m.Called(m)

	if len(ret) == 0 {
		panic("no return value specified for In")
	}

	var r0 bool
	if rf, ok := ret.Get(0).(func(metrics.Metrics) bool); ok {
		r0 = rf(m)
	} else {
		r0 = ret.Get(0).(bool)
	}

	return r0
}

// Sink_In_Call is a *mock.Call that shadows Run/Return methods with type explicit version for method 'In'
type Sink_In_Call struct {
	*mock.Call
}

// In is a helper method to define mock.On call
//   - m metrics.Metrics
func (_e *Sink_Expecter) In(m interface{}) *Sink_In_Call {
	return &Sink_In_Call{Call: _e.mock.On("In", m)}
}

func (_c *Sink_In_Call) Run(run func(m metrics.Metrics)) *Sink_In_Call {
	_c.Call.Run(func(args mock.Arguments) {
		run(args[0].(metrics.Metrics))
	})
	return _c
}

func (_c *Sink_In_Call) Return(_a0 bool) *Sink_In_Call {
	_c.Call.Return(_a0)
	return _c
}

func (_c *Sink_In_Call) RunAndReturn(run func(metrics.Metrics) bool) *Sink_In_Call {
	_c.Call.Return(run)
	return _c
}

// Stream provides a mock function with given fields: name
func (_m *Sink) Stream(name string) (aggregation.StreamDefinition, bool) {
	ret := _m.Called(name)

	if len(ret) == 0 {
		panic("no return value specified for Stream")
	}

	var r0 aggregation.StreamDefinition
	var r1 bool
	if rf, ok := ret.Get(0).(func(string) (aggregation.StreamDefinition, bool)); ok {
		return rf(name)
	}
	if rf, ok := ret.Get(0).(func(string) aggregation.StreamDefinition); ok {
		r0 = rf(name)
	} else {
		r0 = ret.Get(0).(aggregation.StreamDefinition)
	}

	if rf, ok := ret.Get(1).(func(string) bool); ok {
		r1 = rf(name)
	} else {
		r1 = ret.Get(1).(bool)
	}

	return r0, r1
}

// Sink_Stream_Call is a *mock.Call that shadows Run/Return methods with type explicit version for method 'Stream'
type Sink_Stream_Call struct {
	*mock.Call
}

// Stream is a helper method to define mock.On call
//   - name string
func (_e *Sink_Expecter) Stream(name interface{}) *Sink_Stream_Call {
	return &Sink_Stream_Call{Call: _e.mock.On("Stream", name)}
}

func (_c *Sink_Stream_Call) Run(run func(name string)) *Sink_Stream_Call {
	_c.Call.Run(func(args mock.Arguments) {
		run(args[0].(string))
	})
	return _c
}

func (_c *Sink_Stream_Call) Return(_a0 aggregation.StreamDefinition, _a1 bool) *Sink_Stream_Call {
	_c.Call.Return(_a0, _a1)
	return _c
}

func (_c *Sink_Stream_Call) RunAndReturn(run func(string) (aggregation.StreamDefinition, bool)) *Sink_Stream_Call {
	_c.Call.Return(run)
	return _c
}

// NewSink creates a new instance of Sink. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewSink(t interface {
	mock.TestingT
	Cleanup(func())
}) *Sink {
	mock := &Sink{}
	mock.Mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
