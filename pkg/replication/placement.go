package replication

import (
	"github.com/nimbusscm/rm/pkg/log"
	"github.com/nimbusscm/rm/pkg/scm"
)

// Evaluator is a thin wrapper over the
// external scm.PlacementPolicy that adds the component-scoped logging
// every external collaborator call gets elsewhere in this module.
type Evaluator struct {
	policy scm.PlacementPolicy
}

// NewEvaluator creates an Evaluator over policy.
func NewEvaluator(policy scm.PlacementPolicy) *Evaluator {
	return &Evaluator{policy: policy}
}

// Validate consults the placement policy for whether datanodes satisfies
// the replication factor k.
func (e *Evaluator) Validate(datanodes []scm.DatanodeID, k int) (scm.PlacementStatus, error) {
	ps, err := e.policy.Validate(datanodes, k)
	if err != nil {
		logger := log.WithComponent("replication.placement")
		logger.Warn().Err(err).Msg("placement validate failed")
		return scm.PlacementStatus{}, err
	}
	return ps, nil
}

// Choose asks the placement policy for required candidate datanodes,
// excluding exclude, sized by sizeHint.
func (e *Evaluator) Choose(exclude []scm.DatanodeID, required int, sizeHint int64) ([]scm.DatanodeID, error) {
	chosen, err := e.policy.Choose(exclude, required, sizeHint)
	if err != nil {
		logger := log.WithComponent("replication.placement")
		logger.Warn().Err(err).Msg("placement choose failed")
		return nil, err
	}
	return chosen, nil
}
