package fleet

import (
	"context"
	"time"

	"github.com/openhearth/fleetconsole/pkg/models"
)

// Clock abstracts time-related operations.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts the ticker behavior.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// FleetClient is the slice of the backend API the scheduler needs.
type FleetClient interface {
	GetFleet(ctx context.Context) (*models.FleetResponse, error)
	TriggerUpdate(ctx context.Context, deviceID string) error
}

// Recorder persists update-attempt lifecycles. Implementations must be safe
// for concurrent use; a nil Recorder disables history.
type Recorder interface {
	UpdateTriggered(ctx context.Context, attemptID, deviceID, fromVersion string, at time.Time) error
	UpdateResolved(ctx context.Context, attemptID, deviceID string, outcome models.UpdateStatus, errText, toVersion string, at time.Time) error
}
