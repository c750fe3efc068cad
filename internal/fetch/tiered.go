package fetch

import (
	"context"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/resilience"
)

// TierFunc fetches url with a single tier.
type TierFunc func(ctx context.Context, url string) (model.Payload, error)

// Tiered combines a cheap and an escalated tier into a FetchFunc. A nil
// escalated tier reuses the cheap one.
func Tiered(cheap, escalated TierFunc) FetchFunc {
	if escalated == nil {
		escalated = cheap
	}
	return func(ctx context.Context, url string, stage Stage) (model.Payload, error) {
		switch stage {
		case StageCheap:
			return cheap(ctx, url)
		case StageEscalated:
			return escalated(ctx, url)
		default:
			return nil, resilience.NewPermanentError(errUnknownStage(stage), 0)
		}
	}
}

type errUnknownStage Stage

func (e errUnknownStage) Error() string {
	return "fetch: unknown stage " + Stage(e).String()
}

// FieldPresence is a SufficiencyFunc that reports a required field as missing
// when the payload has no non-empty value for it.
func FieldPresence(_ context.Context, data model.Payload, required []string) (bool, []string, error) {
	var missing []string
	for _, f := range required {
		if !data.NonEmpty(f) {
			missing = append(missing, f)
		}
	}
	return len(missing) == 0, missing, nil
}
