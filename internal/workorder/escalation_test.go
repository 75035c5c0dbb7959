package workorder

import "testing"

var testLadder = Ladder{
	"builder":  {"model-small", "model-medium", "model-large"},
	"reviewer": {"model-medium"},
}

func TestNextTierForwardOnly(t *testing.T) {
	tests := []struct {
		name    string
		role    string
		current string
		want    string
		wantOK  bool
	}{
		{"bottom to middle", "builder", "model-small", "model-medium", true},
		{"middle to top", "builder", "model-medium", "model-large", true},
		{"top has no next", "builder", "model-large", "", false},
		{"single-rung ladder", "reviewer", "model-medium", "", false},
		{"unknown role", "ghost", "model-small", "", false},
		{"unknown tier", "builder", "model-xl", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := testLadder.NextTier(tt.role, tt.current)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("NextTier(%q, %q) = (%q, %v), want (%q, %v)",
					tt.role, tt.current, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestNextTierNeverGoesBackward(t *testing.T) {
	for _, tiers := range testLadder {
		for i, current := range tiers {
			next, ok := testLadder.NextTier("builder", current)
			if !ok {
				continue
			}
			for j := 0; j <= i; j++ {
				if next == tiers[j] {
					t.Errorf("NextTier(%q) = %q, which is not above it", current, next)
				}
			}
		}
	}
}

func TestCurrentTier(t *testing.T) {
	w := &WorkOrder{Executor: "builder"}
	got, ok := testLadder.CurrentTier(w)
	if !ok || got != "model-small" {
		t.Errorf("CurrentTier = (%q, %v), want first rung", got, ok)
	}

	// Metadata bag overrides the ladder's first rung across suspensions.
	w.Metadata = map[string]string{MetaModelTier: "model-large"}
	got, ok = testLadder.CurrentTier(w)
	if !ok || got != "model-large" {
		t.Errorf("CurrentTier with metadata = (%q, %v), want model-large", got, ok)
	}

	unknown := &WorkOrder{Executor: "ghost"}
	if _, ok := testLadder.CurrentTier(unknown); ok {
		t.Error("CurrentTier for unknown role should fail")
	}
}

func TestMaxTier(t *testing.T) {
	if !testLadder.MaxTier("builder", "model-large") {
		t.Error("model-large should be max for builder")
	}
	if testLadder.MaxTier("builder", "model-small") {
		t.Error("model-small is not max for builder")
	}
	if testLadder.MaxTier("ghost", "anything") {
		t.Error("unknown role has no max tier")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		detail string
		want   string
	}{
		{"", ErrClassUnknown},
		{"resource not found", ErrClassNotFound},
		{"HTTP 404 Not Found", ErrClassNotFound},
		{"403 Forbidden", ErrClassPermission},
		{"merge conflict on branch", ErrClassConflict},
		{"branch already exists", ErrClassConflict},
		{"429 too many requests", ErrClassRateLimit},
		{"context deadline exceeded", ErrClassTimeout},
		{"field 'title' is required", ErrClassValidation},
		{"mysterious explosion", ErrClassUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.detail); got != tt.want {
			t.Errorf("ClassifyError(%q) = %q, want %q", tt.detail, got, tt.want)
		}
	}
}
