package bufmgr

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// statsPrinter is implemented by every manager that can describe its internal state as JSON
type statsPrinter interface {
	PrintDetailedMap(json *jwriter.ObjectState)
}

func buildStatsString(printer statsPrinter) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	printer.PrintDetailedMap(&obj)
	obj.End()

	return string(writer.Bytes())
}
