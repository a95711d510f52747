package pipeline_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/nais/envdeploy/pkg/environment"
	"github.com/nais/envdeploy/pkg/pipeline"
)

type MockAuthenticator struct {
	mock.Mock
}

func (_m *MockAuthenticator) Authenticate(ctx context.Context, assertion string, env *environment.Environment) (*pipeline.Grant, error) {
	ret := _m.Called(ctx, assertion, env)

	var r0 *pipeline.Grant
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*pipeline.Grant)
	}
	return r0, ret.Error(1)
}

type MockSource struct {
	mock.Mock
}

func (_m *MockSource) Checkout(ctx context.Context, request pipeline.Request) (string, func(), error) {
	ret := _m.Called(ctx, request)

	var r1 func()
	if ret.Get(1) != nil {
		r1 = ret.Get(1).(func())
	}
	return ret.String(0), r1, ret.Error(2)
}

type MockPlanner struct {
	mock.Mock
}

func (_m *MockPlanner) Plan(ctx context.Context, ws pipeline.Workspace) (*pipeline.PlanResult, error) {
	ret := _m.Called(ctx, ws)

	var r0 *pipeline.PlanResult
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*pipeline.PlanResult)
	}
	return r0, ret.Error(1)
}

type MockApplier struct {
	mock.Mock
}

func (_m *MockApplier) Apply(ctx context.Context, ws pipeline.Workspace, plan *pipeline.PlanResult) (*pipeline.ApplyResult, error) {
	ret := _m.Called(ctx, ws, plan)

	var r0 *pipeline.ApplyResult
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*pipeline.ApplyResult)
	}
	return r0, ret.Error(1)
}

func (_m *MockApplier) Destroy(ctx context.Context, ws pipeline.Workspace) (*pipeline.ApplyResult, error) {
	ret := _m.Called(ctx, ws)

	var r0 *pipeline.ApplyResult
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*pipeline.ApplyResult)
	}
	return r0, ret.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (_m *MockPublisher) Publish(ctx context.Context, ws pipeline.Workspace, tag string) (string, error) {
	ret := _m.Called(ctx, ws, tag)
	return ret.String(0), ret.Error(1)
}

type MockDeployer struct {
	mock.Mock
}

func (_m *MockDeployer) Deploy(ctx context.Context, ws pipeline.Workspace, image string) (string, error) {
	ret := _m.Called(ctx, ws, image)
	return ret.String(0), ret.Error(1)
}

type MockHealthChecker struct {
	mock.Mock
}

func (_m *MockHealthChecker) Check(ctx context.Context, url string) error {
	ret := _m.Called(ctx, url)
	return ret.Error(0)
}

type MockReporter struct {
	mock.Mock
}

func (_m *MockReporter) Started(ctx context.Context, run *pipeline.Run) error {
	ret := _m.Called(ctx, run)
	return ret.Error(0)
}

func (_m *MockReporter) PlanReady(ctx context.Context, run *pipeline.Run, plan *pipeline.PlanResult) error {
	ret := _m.Called(ctx, run, plan)
	return ret.Error(0)
}

func (_m *MockReporter) Finished(ctx context.Context, run *pipeline.Run, outcome *pipeline.Outcome) error {
	ret := _m.Called(ctx, run, outcome)
	return ret.Error(0)
}
