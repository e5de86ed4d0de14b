//go:build linux

package network

import (
	"github.com/stretchr/testify/mock"
	"github.com/vishvananda/netlink"
)

// MockNetlinker is a mock implementation of the Netlinker interface.
type MockNetlinker struct {
	mock.Mock
}

func (m *MockNetlinker) LinkByName(name string) (netlink.Link, error) {
	args := m.Called(name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(netlink.Link), args.Error(1)
}

func (m *MockNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	args := m.Called(link, family)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]netlink.Addr), args.Error(1)
}
