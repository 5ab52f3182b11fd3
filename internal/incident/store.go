package incident

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by Transition when the incident is not in the
// expected state. Callers treat it as "already applied" and move on, which is
// what makes stage redelivery a no-op.
var ErrConflict = errors.New("incident: state conflict")

// ErrNotFound is returned when no incident exists for the given ID.
var ErrNotFound = errors.New("incident: not found")

// Store is the authoritative record of incident lifecycles. Implementations
// must serialize mutation per incident: Transition and the attach methods are
// compare-and-set operations, and OpenForEndpoint must never yield two live
// incidents for one endpoint.
type Store interface {
	// Open records a new incident. If a non-resolved incident of the same
	// kind already exists for the endpoint, that incident is returned with
	// reused=true and nothing is created.
	Open(ctx context.Context, inc *Incident) (got *Incident, reused bool, err error)

	Get(ctx context.Context, id string) (*Incident, error)

	// OpenForEndpoint returns the live (non-resolved) incident of the given
	// kind for an endpoint, if one exists.
	OpenForEndpoint(ctx context.Context, endpoint string, kind Kind) (*Incident, bool, error)

	// Transition moves an incident from one state to another. Returns
	// ErrConflict if the incident is not currently in from.
	Transition(ctx context.Context, id string, from, to State) error

	// Resolve moves an incident to StateResolved from whatever non-resolved
	// state it is in and stamps the resolve time. Resolving an already
	// resolved incident is a no-op.
	Resolve(ctx context.Context, id string, at time.Time) error

	// AttachBundle attaches the diagnostic bundle. The bundle is immutable
	// once set; a second attach returns ErrConflict.
	AttachBundle(ctx context.Context, id string, b *Bundle) error

	// AttachHypotheses records the ranked hypotheses, the confidence label,
	// and the severity derived from the top hypothesis.
	AttachHypotheses(ctx context.Context, id string, hs []Hypothesis, label string, sev Severity) error

	// Escalate moves a notified incident to StateEscalated and raises its
	// severity. Returns ErrConflict if the incident is not in StateNotified.
	Escalate(ctx context.Context, id string, sev Severity) error

	// AppendNotification appends one delivery record.
	AppendNotification(ctx context.Context, id string, rec NotificationRecord) error

	// RecentDeliveries returns the endpoint's delivered notification records
	// with timestamps after since, across all of its incidents. Backs the
	// dispatcher cooldown so it survives restarts.
	RecentDeliveries(ctx context.Context, endpoint string, since time.Time) ([]NotificationRecord, error)

	// SetEscalateAfter stores the escalation deadline.
	SetEscalateAfter(ctx context.Context, id string, at time.Time) error

	// List returns incidents ordered by open time descending, newest first,
	// up to limit (0 = no limit).
	List(ctx context.Context, limit int) ([]*Incident, error)

	// Unresolved returns all non-resolved incidents, for the escalation sweep.
	Unresolved(ctx context.Context) ([]*Incident, error)

	// Retire drops (or archives) resolved incidents whose resolve time is
	// before cutoff. Returns how many were retired.
	Retire(ctx context.Context, cutoff time.Time) (int, error)
}
