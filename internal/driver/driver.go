// Package driver holds the built-in transceiver drivers.
package driver

import "trxd/internal/trx"

// Register adds every built-in driver to reg.
func Register(reg *trx.Registry) {
	reg.Register(DummyName, func() trx.Driver { return NewDummy() })
	reg.Register(FT817Name, func() trx.Driver { return NewFT817() })
}
