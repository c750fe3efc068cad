package oracle

import (
	"context"

	"github.com/sells-group/research-engine/internal/dedupe"
	"github.com/sells-group/research-engine/internal/model"
)

// ExactName returns an oracle that calls two items duplicates when their
// folded field values are equal. Empty values never match.
func ExactName(field string) dedupe.Oracle {
	return func(_ context.Context, a, b model.Item) (dedupe.Verdict, error) {
		x := dedupe.FoldName(a.Payload.String(field))
		if x == "" || x != dedupe.FoldName(b.Payload.String(field)) {
			return dedupe.Verdict{IsDuplicate: false, Confidence: 100}, nil
		}
		return dedupe.Verdict{IsDuplicate: true, Confidence: 100}, nil
	}
}
