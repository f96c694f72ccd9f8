package mocks

import (
	"os"

	"github.com/stretchr/testify/mock"
)

// OsProxy is a mock of internal.OsProxy.
type OsProxy struct {
	mock.Mock
}

func (_m *OsProxy) Stat(name string) (os.FileInfo, error) {
	ret := _m.Called(name)

	var r0 os.FileInfo
	if rf, ok := ret.Get(0).(func(string) os.FileInfo); ok {
		r0 = rf(name)
	} else {
		r0, _ = ret.Get(0).(os.FileInfo)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(string) error); ok {
		r1 = rf(name)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

func (_m *OsProxy) Open(name string) (*os.File, error) {
	ret := _m.Called(name)

	var r0 *os.File
	if rf, ok := ret.Get(0).(func(string) *os.File); ok {
		r0 = rf(name)
	} else {
		r0, _ = ret.Get(0).(*os.File)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(string) error); ok {
		r1 = rf(name)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewOsProxy creates a new instance of OsProxy. It also registers a cleanup function
// to assert the mocks expectations.
func NewOsProxy(t interface {
	mock.TestingT
	Cleanup(func())
}) *OsProxy {
	m := &OsProxy{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
