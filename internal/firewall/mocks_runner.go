package firewall

import (
	"github.com/stretchr/testify/mock"
)

// MockCommandRunner is a testify mock of CommandRunner. Expectations are
// set per argument: On("Run", "ip6tables", "-C", "INPUT", ...).
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Run(name string, args ...string) error {
	callArgs := make([]interface{}, 0, len(args)+1)
	callArgs = append(callArgs, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	return result.Error(0)
}
