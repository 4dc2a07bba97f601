package quota

import "errors"

// ErrNoWorkerAvailable is returned when no worker in the fleet has quota
// headroom to start.
var ErrNoWorkerAvailable = errors.New("no worker with quota headroom available")
