//go:build !linux

package firewall

import (
	"errors"

	"grimm.is/v6tunnel/internal/logging"
)

// NewNFTables is unavailable off Linux; the manager falls back to Noop.
func NewNFTables(table, chain string, logger *logging.Logger) (Backend, error) {
	return nil, errors.New("nftables requires linux")
}
