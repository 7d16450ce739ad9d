// Package panics adapts github.com/sourcegraph/conc/panics to callbacks that
// return an error.
package panics

import (
	conc "github.com/sourcegraph/conc/panics"
)

// TryErr runs f and returns its error. A panic in f is returned instead as a
// *conc.ErrRecovered carrying the panic value and stack.
func TryErr(f func() error) (err error) {
	if r := conc.Try(func() { err = f() }); r != nil {
		return r.AsError()
	}
	return err
}
