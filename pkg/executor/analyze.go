package executor

import (
	"context"

	"github.com/cuemby/tsimd/pkg/types"
)

// phaseAnalyze turns PROBE's stored before/after snapshots into one
// verdict per service. It walks the path hop by hop: a hop with no
// arrived DSCP-tagged packets is not_reached and ends the walk there; a
// hop with arrivals and an advancing ACCEPT rule is a pass and the walk
// continues toward the destination; a hop with arrivals and an
// advancing DROP/REJECT rule is blocked and ends the walk. The service
// verdict is the first non-pass hop, or pass if every hop passed.
func (e *Executor) phaseAnalyze(ctx context.Context, st *runState) error {
	for i := range st.run.Results {
		result := &st.run.Results[i]
		result.Verdict = types.VerdictPass
		result.Hops = make([]types.HopCounter, 0, len(st.snapshots[i]))

		for _, snap := range st.snapshots[i] {
			hc := types.HopCounter{Router: snap.hop.Router, Chain: snap.chain}
			arrived := arrivedDelta(snap.before, snap.after, st.run.DSCP)

			if arrived <= 0 {
				result.Hops = append(result.Hops, hc)
				result.Verdict = types.VerdictUnreached
				break
			}

			target, ruleText, found := verdictRule(snap.before, snap.after)
			switch {
			case found && target == "ACCEPT":
				hc.AcceptDelta = arrived
				result.Hops = append(result.Hops, hc)
			case found:
				hc.DropDelta = arrived
				result.Hops = append(result.Hops, hc)
				result.Verdict = types.VerdictBlocked
				result.BlockedAt = snap.hop.Router
				result.Rule = ruleText
			default:
				// packets arrived but no explicit rule counted them, e.g.
				// the chain's default policy decided their fate: treat
				// reaching the hop with no attributable drop as a pass.
				hc.AcceptDelta = arrived
				result.Hops = append(result.Hops, hc)
			}

			if result.Verdict == types.VerdictBlocked {
				break
			}
		}
	}
	return nil
}
