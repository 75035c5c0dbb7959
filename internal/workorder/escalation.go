package workorder

// Ladder maps an executor role to its ordered list of model tiers,
// least to most capable. The runner only ever moves forward through a
// ladder, never backward.
type Ladder map[string][]string

// CurrentTier resolves the tier an order should run at: the tier
// remembered in its metadata bag if set, otherwise the first rung of
// the executor's ladder.
func (l Ladder) CurrentTier(w *WorkOrder) (string, bool) {
	if tier := w.Meta(MetaModelTier); tier != "" {
		return tier, true
	}
	tiers, ok := l[w.Executor]
	if !ok || len(tiers) == 0 {
		return "", false
	}
	return tiers[0], true
}

// NextTier returns the rung above current for the given role. Returns
// false when current is unknown for the role or already the maximum,
// in which case escalation is not possible.
func (l Ladder) NextTier(role, current string) (string, bool) {
	tiers := l[role]
	for i, t := range tiers {
		if t == current {
			if i+1 < len(tiers) {
				return tiers[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// MaxTier reports whether current is the top rung for the role.
func (l Ladder) MaxTier(role, current string) bool {
	tiers := l[role]
	return len(tiers) > 0 && tiers[len(tiers)-1] == current
}
