package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
)

type fakeValidator struct {
	verdicts map[string]Verdict
	err      error
	calls    []string
}

func (f *fakeValidator) Validate(_ context.Context, email string, _ crawler.ClassifyRequest) (Verdict, error) {
	f.calls = append(f.calls, email)
	if f.err != nil {
		return Verdict{}, f.err
	}
	return f.verdicts[email], nil
}

func TestCategorize(t *testing.T) {
	t.Parallel()

	cases := map[string]Category{
		"info@store.com":          CategoryDomain,
		"help@support.store.com":  CategorySubdomain,
		"contact.store@gmail.com": CategoryThirdPartyLegit,
		"mystore@yahoo.com":       CategoryThirdPartyLegit,
		"jo+x@gmail.com":          CategoryThirdPartyAmbiguous,
		"test.orders@gmail.com":   CategoryThirdPartyAmbiguous,
		"billing@shopify.com":     CategoryOther,
	}
	for email, want := range cases {
		require.Equal(t, want, Categorize(email, "store.com"), email)
	}
}

func TestRankOrdersByScore(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(nil, zap.NewNop())
	got, err := h.Rank(context.Background(), crawler.ClassifyRequest{
		BaseURL:    "https://www.store.com",
		Candidates: []string{"billing@shopify.com", "hello@gmail.com", "team@eu.store.com", "info@store.com"},
	})
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "info@store.com", got[0].Email)
	require.Equal(t, "team@eu.store.com", got[1].Email)
	require.Equal(t, "hello@gmail.com", got[2].Email)
	require.Equal(t, "billing@shopify.com", got[3].Email)
	require.Less(t, got[3].Score, 0.7)
}

func TestRankUsesSecondaryForAmbiguous(t *testing.T) {
	t.Parallel()

	v := &fakeValidator{verdicts: map[string]Verdict{
		"jane.doe.private.account@gmail.com": {Legitimate: true, Confidence: 0.85, Reasoning: "owner named on about page"},
		"random.stranger.person99@gmail.com": {Legitimate: false, Confidence: 0.9},
	}}
	h := NewHeuristic(v, nil)
	got, err := h.Rank(context.Background(), crawler.ClassifyRequest{
		BaseURL:    "store.com",
		Candidates: []string{"random.stranger.person99@gmail.com", "jane.doe.private.account@gmail.com", "info@store.com"},
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"random.stranger.person99@gmail.com", "jane.doe.private.account@gmail.com"}, v.calls)
	require.Equal(t, "info@store.com", got[0].Email)
	require.Equal(t, "jane.doe.private.account@gmail.com", got[1].Email)
	require.InDelta(t, 0.85, got[1].Score, 1e-9)
	require.InDelta(t, 0.3, got[2].Score, 1e-9)
}

func TestRankSurvivesValidatorErrors(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(&fakeValidator{err: errors.New("upstream down")}, nil)
	got, err := h.Rank(context.Background(), crawler.ClassifyRequest{
		BaseURL:    "store.com",
		Candidates: []string{"someone.with.a.long.name@gmail.com"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.InDelta(t, 0.3, got[0].Score, 1e-9)
	require.Equal(t, "secondary validation failed", got[0].Reason)
}

func TestRankHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHeuristic(nil, nil).Rank(ctx, crawler.ClassifyRequest{Candidates: []string{"a@b.com"}})
	require.ErrorIs(t, err, context.Canceled)
}
