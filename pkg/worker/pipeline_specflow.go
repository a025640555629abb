package worker

import (
	"context"
	"fmt"

	"github.com/pai-dev/orchestrator/pkg/idutil"
)

// runSpecFlowItem is pipeline A (§4.8.A): a dispatcher-created work item
// naming exactly which SpecFlow feature/phase to run. Delegates to the
// SpecFlow orchestrator's phase runner; success completes the item, failure
// releases it so the next tick's determineAction can decide what's next.
func (w *Worker) runSpecFlowItem(_ context.Context, r *run, v *idutil.SpecFlowVariant) error {
	if w.SpecFlow == nil {
		return fmt.Errorf("worker: specflow item %s but no SpecFlow orchestrator wired", r.item.ItemID)
	}

	feature, err := w.SpecFlow.Store().Get(v.FeatureID)
	if err != nil {
		return fmt.Errorf("worker: specflow fetch feature %s: %w", v.FeatureID, err)
	}
	if feature == nil {
		return fmt.Errorf("worker: specflow item %s: no such feature %s", r.item.ItemID, v.FeatureID)
	}

	if err := w.SpecFlow.RunPhase(feature); err != nil {
		return fmt.Errorf("worker: specflow run phase %s/%s: %w", v.FeatureID, feature.Phase, err)
	}

	return w.complete(r, fmt.Sprintf("ran specflow phase %s for feature %s", feature.Phase, v.FeatureID))
}
