// Package plugins links the built-in storage backends and mirrors into the
// binary. Each one registers itself with the persistence registry on init.
package plugins

import (
	_ "github.com/kilianp07/fleetlive/infra/mirror/kafka"
	_ "github.com/kilianp07/fleetlive/infra/mirror/redis"
	_ "github.com/kilianp07/fleetlive/infra/storage/influx"
	_ "github.com/kilianp07/fleetlive/infra/storage/memory"
	_ "github.com/kilianp07/fleetlive/infra/storage/sqlite"
	_ "github.com/kilianp07/fleetlive/infra/storage/timescale"
)
