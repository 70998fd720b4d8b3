package templater

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/batvault/internal/model"
)

func fallbackBundle() model.EvidenceBundle {
	ts := time.Date(2012, 10, 31, 0, 0, 0, 0, time.UTC)
	b := model.EvidenceBundle{
		Anchor: model.Anchor{
			ID: "panasonic#a", Type: model.NodeDecision, Timestamp: ts,
			Title: "Exit plasma TV production", Option: "wind down all plasma lines",
		},
		Events: []model.Event{
			{ID: "panasonic#e2", Type: model.NodeEvent, Timestamp: ts.AddDate(0, -6, 0), Summary: "Price war with LCD makers"},
			{ID: "panasonic#e1", Type: model.NodeEvent, Timestamp: ts.AddDate(0, -1, 0), Summary: "TV division posted a loss"},
			{ID: "panasonic#e3", Type: model.NodeEvent, Timestamp: ts.AddDate(0, -9, 0), Summary: "Demand shifted to LCD"},
		},
		Transitions: model.TransitionSet{
			Succeeding: []model.Transition{{
				ID: "panasonic#t1", Type: model.NodeTransition, Timestamp: ts.AddDate(0, 2, 0),
				From: "panasonic#a", To: "panasonic#next",
				Relation: model.RelationLedTo, Summary: "Pivot to automotive batteries",
			}},
		},
	}
	b.RecomputeAllowedIDs()
	return b
}

func TestRenderAlwaysValidShape(t *testing.T) {
	b := fallbackBundle()
	answer := Render(b)

	require.NoError(t, answer.CheckShape())
	assert.Contains(t, answer.SupportingIDs, "panasonic#a", "anchor must be cited")

	allowed := map[string]struct{}{}
	for _, id := range b.AllowedIDs {
		allowed[id] = struct{}{}
	}
	for _, id := range answer.SupportingIDs {
		assert.Contains(t, allowed, id)
	}
}

func TestRenderPicksClosestEvents(t *testing.T) {
	answer := Render(fallbackBundle())

	// Closest two events to the anchor are e1 (-1 month) and e2 (-6 months).
	assert.Equal(t, []string{"panasonic#a", "panasonic#e1", "panasonic#e2"}, answer.SupportingIDs)
	assert.Contains(t, answer.ShortAnswer, "TV division posted a loss")
	assert.Contains(t, answer.ShortAnswer, "Pivot to automotive batteries")
}

func TestRenderZeroEvents(t *testing.T) {
	b := model.EvidenceBundle{
		Anchor: model.Anchor{ID: "d#only", Type: model.NodeDecision, Title: "Solo decision"},
	}
	b.RecomputeAllowedIDs()

	answer := Render(b)
	require.NoError(t, answer.CheckShape())
	assert.Equal(t, []string{"d#only"}, answer.SupportingIDs)
	assert.Contains(t, answer.ShortAnswer, "Solo decision")
}

func TestRenderUntitledAnchorFallsBackToID(t *testing.T) {
	b := model.EvidenceBundle{
		Anchor: model.Anchor{ID: "d#bare", Type: model.NodeDecision},
	}
	b.RecomputeAllowedIDs()

	answer := Render(b)
	assert.Contains(t, answer.ShortAnswer, "d#bare")
}

func TestRenderShortAnswerLengthCap(t *testing.T) {
	b := fallbackBundle()
	b.Events[1].Summary = strings.Repeat("very long explanation ", 40)

	answer := Render(b)
	assert.LessOrEqual(t, len([]rune(answer.ShortAnswer)), model.MaxShortAnswerLen)
	assert.True(t, strings.HasSuffix(answer.ShortAnswer, "…"))
}

func TestRenderDeterministic(t *testing.T) {
	b := fallbackBundle()
	assert.Equal(t, Render(b), Render(b))
}
