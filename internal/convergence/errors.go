package convergence

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrAlreadyStarted is returned by Start when the loop's worker is
	// already running.
	ErrAlreadyStarted = errors.New("convergence: loop already started")
	// ErrAlreadyStopped is returned by Stop when the loop has already been
	// terminated once. Once stopped, a loop cannot restart.
	ErrAlreadyStopped = errors.New("convergence: loop already terminated")
)

// NewOrchestratorDeniedError tags reason as a temporary orchestrator
// permission failure. Orchestrator implementations should return an error
// built this way (or anything status.Code resolves to codes.PermissionDenied)
// from Resume/Suspend when permission is withheld, so the loop's tick policy
// can tell it apart from an unexpected failure without string matching.
func NewOrchestratorDeniedError(reason string) error {
	return status.Error(codes.PermissionDenied, reason)
}

func isOrchestratorDenied(err error) bool {
	return err != nil && status.Code(err) == codes.PermissionDenied
}

// convergenceNotYetError reports that the node admin driver has not yet
// converged to the freeze state a transition requires. It is raised
// in-process by converge, never by an external collaborator.
type convergenceNotYetError struct {
	reason string
}

func (e *convergenceNotYetError) Error() string { return e.reason }

func newConvergenceNotYet(reason string) error {
	return &convergenceNotYetError{reason: reason}
}

func isConvergenceNotYet(err error) bool {
	var e *convergenceNotYetError
	return errors.As(err, &e)
}
