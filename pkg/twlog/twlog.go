// Package twlog centralizes the daemon's structured logger so the
// rest of the tree obtains a per-component logger the same way
// everywhere, instead of importing the logging package directly.
package twlog

import (
	"github.com/skycoin/skycoin/src/util/logging"
)

var master = logging.NewMasterLogger()

// Get returns a logger scoped to component, e.g. "dispatcher",
// "usb-backend", "tcp-backend".
func Get(component string) *logging.Logger {
	return master.PackageLogger(component)
}

// SetLevel sets the minimum level logged by every logger obtained
// from Get, matching the daemon's -v/-vv verbosity flag.
func SetLevel(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return err
	}
	master.SetLevel(lvl)
	return nil
}
