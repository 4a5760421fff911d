// Package approval validates deployment proposals and records
// approvals under stable, replay-safe deployment ids.
package approval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"maestro/internal/domain"
	"maestro/internal/graph"
)

var (
	// ErrInvalidProposal marks proposals rejected by Validate.
	ErrInvalidProposal = errors.New("invalid proposal")

	// ErrCyclicProposal marks proposals rejected for dependency cycles.
	ErrCyclicProposal = errors.New("proposal has dependency cycles")
)

// deploymentNamespace scopes deployment ids derived from proposal ids.
var deploymentNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("maestro.deployments"))

// DeploymentID derives the deployment id for a proposal. The same
// proposal always maps to the same id.
func DeploymentID(proposalID string) string {
	return uuid.NewSHA1(deploymentNamespace, []byte(proposalID)).String()
}

// Validate checks the structural rules for a proposal: an id, at least
// one component, no duplicate components, and every dependency edge
// between declared components.
func Validate(p domain.Proposal) error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing proposal id", ErrInvalidProposal)
	}
	if len(p.Components) == 0 {
		return fmt.Errorf("%w: no components declared", ErrInvalidProposal)
	}
	declared := make(map[string]bool, len(p.Components))
	for _, c := range p.Components {
		if c == "" {
			return fmt.Errorf("%w: empty component name", ErrInvalidProposal)
		}
		if declared[c] {
			return fmt.Errorf("%w: component %q declared twice", ErrInvalidProposal, c)
		}
		declared[c] = true
	}
	for _, e := range p.Edges {
		if !declared[e.Component] {
			return fmt.Errorf("%w: edge references undeclared component %q", ErrInvalidProposal, e.Component)
		}
		if !declared[e.DependsOn] {
			return fmt.Errorf("%w: edge references undeclared component %q", ErrInvalidProposal, e.DependsOn)
		}
	}
	return nil
}

// DeployOrder returns the proposal components in deployment order:
// dependency-constrained components first, each after everything it
// depends on, then the unconstrained ones in declaration order.
func DeployOrder(p domain.Proposal) ([]string, error) {
	order, err := graph.New(p.Edges).TopologicalOrder()
	if err != nil {
		return nil, err
	}
	constrained := make(map[string]bool, len(order))
	for _, c := range order {
		constrained[c] = true
	}
	for _, c := range p.Components {
		if !constrained[c] {
			order = append(order, c)
		}
	}
	return order, nil
}

// Approver records deployment approvals. Safe for concurrent use.
type Approver struct {
	mu       sync.Mutex
	approved map[string]domain.Deployment
	order    []string

	Now func() time.Time
}

func New() *Approver {
	return &Approver{
		approved: map[string]domain.Deployment{},
		Now:      time.Now,
	}
}

// Approve runs the full approval pipeline: structural validation, then
// the cycle check, then the idempotent record. Re-approving a proposal
// returns the original deployment with created false and changes
// nothing.
func (a *Approver) Approve(p domain.Proposal) (dep domain.Deployment, created bool, err error) {
	if err := Validate(p); err != nil {
		return domain.Deployment{}, false, err
	}
	if cycles := graph.Detect(p.Edges); len(cycles) > 0 {
		return domain.Deployment{}, false, fmt.Errorf("%w: %d found", ErrCyclicProposal, len(cycles))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if dep, ok := a.approved[p.ID]; ok {
		return dep, false, nil
	}
	dep = domain.Deployment{
		ID:         DeploymentID(p.ID),
		ProposalID: p.ID,
		ProjectID:  p.ProjectID,
		ApprovedAt: a.Now().UTC(),
	}
	a.approved[p.ID] = dep
	a.order = append(a.order, p.ID)
	return dep, true, nil
}

// Revoke removes a recorded approval so a later Approve can retry the
// side effects that follow it. The derived deployment id is unchanged
// across revoke and re-approve.
func (a *Approver) Revoke(proposalID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.approved[proposalID]; !ok {
		return
	}
	delete(a.approved, proposalID)
	for i, id := range a.order {
		if id == proposalID {
			a.order = append(a.order[:i:i], a.order[i+1:]...)
			break
		}
	}
}

// Deployment returns the recorded deployment for a proposal.
func (a *Approver) Deployment(proposalID string) (domain.Deployment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dep, ok := a.approved[proposalID]
	return dep, ok
}

// Deployments returns all recorded deployments in approval order.
func (a *Approver) Deployments() []domain.Deployment {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Deployment, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.approved[id])
	}
	return out
}
