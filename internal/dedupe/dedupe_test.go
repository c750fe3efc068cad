package dedupe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/resilience"
)

func fixedOracle(v Verdict) (Oracle, *atomic.Int32) {
	var calls atomic.Int32
	return func(_ context.Context, _, _ model.Item) (Verdict, error) {
		calls.Add(1)
		return v, nil
	}, &calls
}

func TestDedupe_JaneSmithScenario(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	items := []model.Item{
		model.NewItem("a", model.Payload{"name": "Jane Smith", "email": "jane@uni.edu"}),
		model.NewItem("b", model.Payload{"name": "J. Smith", "lab": "Vision Lab", "title": "Professor"}),
	}
	oracle, calls := fixedOracle(Verdict{IsDuplicate: true, Confidence: 95})

	out, err := d.Dedupe(context.Background(), items, oracle)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int32(1), calls.Load())

	m := out[0]
	// b has more non-empty fields and wins; a fills the gaps.
	assert.Equal(t, "b", m.ID)
	assert.Equal(t, "J. Smith", m.Payload.String("name"))
	assert.Equal(t, "Vision Lab", m.Payload.String("lab"))
	assert.Equal(t, "Professor", m.Payload.String("title"))
	assert.Equal(t, "jane@uni.edu", m.Payload.String("email"))
	assert.Equal(t, []string{"a"}, m.MergedFrom)
	assert.True(t, m.QualityFlags.Has(model.FlagDeduplicated))
}

func TestDedupe_MergeLawAtThreshold(t *testing.T) {
	d, err := New(WithThreshold(90))
	require.NoError(t, err)

	items := []model.Item{
		model.NewItem("a", model.Payload{"name": "Jane Smith"}),
		model.NewItem("b", model.Payload{"name": "Jane Smith"}),
	}

	cases := []struct {
		verdict Verdict
		want    int
	}{
		{Verdict{IsDuplicate: true, Confidence: 89}, 2},
		{Verdict{IsDuplicate: true, Confidence: 90}, 1},
		{Verdict{IsDuplicate: true, Confidence: 100}, 1},
		{Verdict{IsDuplicate: false, Confidence: 100}, 2},
		{Verdict{IsDuplicate: false, Confidence: 0}, 2},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%v_%d", tc.verdict.IsDuplicate, tc.verdict.Confidence), func(t *testing.T) {
			oracle, _ := fixedOracle(tc.verdict)
			out, err := d.Dedupe(context.Background(), items, oracle)
			require.NoError(t, err)
			assert.Len(t, out, tc.want)
		})
	}
}

func TestShouldMerge(t *testing.T) {
	assert.False(t, ShouldMerge(Verdict{IsDuplicate: true, Confidence: 89}, 90))
	assert.True(t, ShouldMerge(Verdict{IsDuplicate: true, Confidence: 90}, 90))
	assert.False(t, ShouldMerge(Verdict{IsDuplicate: false, Confidence: 99}, 90))
}

func TestDedupe_BlockingAvoidsCrossBucketCalls(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	items := []model.Item{
		model.NewItem("1", model.Payload{"name": "Jane Smith"}),
		model.NewItem("2", model.Payload{"name": "Alan Turing"}),
		model.NewItem("3", model.Payload{"name": "Grace Hopper"}),
		model.NewItem("4", model.Payload{"name": "Smith, Jane"}),
		model.NewItem("5", model.Payload{"name": "John Smith"}),
	}
	var pairs [][2]string
	oracle := func(_ context.Context, a, b model.Item) (Verdict, error) {
		pairs = append(pairs, [2]string{a.ID, b.ID})
		return Verdict{IsDuplicate: true, Confidence: 99}, nil
	}

	rep, err := d.Run(context.Background(), items, oracle)
	require.NoError(t, err)

	// "Jane Smith", "Smith, Jane" and "John Smith" share smith|j; the others
	// are alone in their blocks.
	assert.Equal(t, 3, rep.Blocks)
	assert.Equal(t, [][2]string{{"1", "4"}, {"1", "5"}}, pairs)
	assert.Equal(t, 2, rep.Merges)
	require.Len(t, rep.Items, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{rep.Items[0].ID, rep.Items[1].ID, rep.Items[2].ID})
}

func TestDedupe_OracleErrorMeansDistinct(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	items := []model.Item{
		model.NewItem("a", model.Payload{"name": "Jane Smith"}),
		model.NewItem("b", model.Payload{"name": "Jane Smith"}),
	}
	oracle := func(context.Context, model.Item, model.Item) (Verdict, error) {
		return Verdict{}, errors.New("llm returned garbage")
	}

	rep, err := d.Run(context.Background(), items, oracle)
	require.NoError(t, err)
	assert.Len(t, rep.Items, 2)
	assert.Equal(t, 1, rep.OracleErrors)
}

func TestDedupe_CancelledContextAborts(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	items := []model.Item{
		model.NewItem("a", model.Payload{"name": "Jane Smith"}),
		model.NewItem("b", model.Payload{"name": "Jane Smith"}),
		model.NewItem("c", model.Payload{"name": "Jane Smith"}),
	}
	oracle := func(ctx context.Context, _, _ model.Item) (Verdict, error) {
		cancel()
		return Verdict{}, ctx.Err()
	}

	_, err = d.Dedupe(ctx, items, oracle)
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindInterrupted))
}

func TestDedupe_EmptyKeysNeverCompared(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	items := []model.Item{
		model.NewItem("a", model.Payload{"email": "x@y.z"}),
		model.NewItem("b", model.Payload{"email": "x@y.z"}),
	}
	oracle, calls := fixedOracle(Verdict{IsDuplicate: true, Confidence: 100})

	out, err := d.Dedupe(context.Background(), items, oracle)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDedupe_TransitiveClusterAndConcurrency(t *testing.T) {
	d, err := New(WithConcurrency(4), WithKey(FoldedFieldKey("org")))
	require.NoError(t, err)

	var items []model.Item
	for i := range 20 {
		items = append(items, model.NewItem(fmt.Sprintf("id-%02d", i), model.Payload{
			"org":  fmt.Sprintf("Org %d", i%5),
			"seq":  float64(i),
			"note": "",
		}))
	}
	oracle, _ := fixedOracle(Verdict{IsDuplicate: true, Confidence: 95})

	out, err := d.Dedupe(context.Background(), items, oracle)
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, it := range out {
		assert.Equal(t, fmt.Sprintf("id-%02d", i), it.ID)
		assert.Len(t, it.MergedFrom, 3)
	}
}

func TestMerge(t *testing.T) {
	a := model.NewItem("a", model.Payload{"name": "Jane Smith", "email": "", "lab": "AI"})
	a.Flag(model.FlagInsufficientFetch)
	b := model.NewItem("b", model.Payload{"name": "J. Smith", "email": "j@x.edu"})
	b.Flag(model.FlagEscalatedFetchUsed)
	b.MergedFrom = []string{"c"}

	m := Merge(a, b)
	assert.Equal(t, "a", m.ID, "tie on non-empty count keeps the first record")
	assert.Equal(t, "Jane Smith", m.Payload.String("name"))
	assert.Equal(t, "j@x.edu", m.Payload.String("email"))
	assert.Equal(t, []model.QualityFlag{
		model.FlagInsufficientFetch, model.FlagEscalatedFetchUsed, model.FlagDeduplicated,
	}, m.QualityFlags.Slice())
	assert.Equal(t, []string{"b", "c"}, m.MergedFrom)

	// Inputs are untouched.
	assert.Equal(t, "", a.Payload.String("email"))
	assert.False(t, a.QualityFlags.Has(model.FlagDeduplicated))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(WithThreshold(101))
	assert.True(t, resilience.IsKind(err, resilience.KindConfiguration))
	_, err = New(WithConcurrency(0))
	assert.True(t, resilience.IsKind(err, resilience.KindConfiguration))
	_, err = New(WithKey(nil))
	assert.Error(t, err)

	d, err := New()
	require.NoError(t, err)
	_, err = d.Dedupe(context.Background(), nil, nil)
	assert.True(t, resilience.IsKind(err, resilience.KindConfiguration))
}
