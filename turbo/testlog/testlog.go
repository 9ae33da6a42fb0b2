// Package testlog routes engine log output into the testing framework.
package testlog

import (
	"testing"

	"github.com/ledgerwatch/log/v3"
)

// Logger returns a logger that forwards records at or above lvl to
// t.Log, tagged with the test name.
func Logger(t *testing.T, lvl log.Lvl) log.Logger {
	l := log.New()
	l.SetHandler(log.LvlFilterHandler(lvl, &handler{t: t, fmt: log.TerminalFormatNoColor()}))
	return l
}

type handler struct {
	t   *testing.T
	fmt log.Format
}

func (h *handler) Log(r *log.Record) error {
	h.t.Logf("%s", h.fmt.Format(r))
	return nil
}
