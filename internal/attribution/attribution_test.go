package attribution_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditline/internal/attribution"
	"creditline/internal/domain"
)

var t0 = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

func at(h int) time.Time { return t0.Add(time.Duration(h) * time.Hour) }

func str(s string) *string { return &s }

func score(v float64) *float64 { return &v }

func completion(ord int64, h int, old domain.Status, author string) domain.CompletionEvent {
	e := domain.CompletionEvent{TaskID: "t1", Timestamp: at(h), OldStatus: old, NewStatus: domain.StatusCompleted, Ordinal: ord}
	if author != "" {
		e.Author = str(author)
	}
	return e
}

func review(id string, h int, action domain.ActionType, s float64) domain.Review {
	return domain.Review{ID: id, TaskID: "t1", Score: score(s), Type: domain.ReviewManual, Status: domain.ReviewPublished, SubmittedAt: at(h), Action: action}
}

var people = attribution.NewPeople([]domain.Person{
	{ID: "alice", Email: "alice@x.io", DisplayName: "Alice"},
	{ID: "bob", Email: "bob@x.io", DisplayName: "Bob", TeamLeadRef: str("lead")},
	{ID: "lead", Email: "lead@x.io", DisplayName: "Lead"},
})

func task(status domain.Status) domain.Task {
	return domain.Task{ID: "t1", ProjectID: "p1", CurrentStatus: status}
}

func TestResolveCreditsEveryCompletionOnce(t *testing.T) {
	in := attribution.TaskInput{
		Task: task(domain.StatusRework),
		Events: []domain.CompletionEvent{
			completion(1, 0, domain.StatusLabeling, "alice@x.io"),
			completion(2, 2, domain.StatusRework, "bob@x.io"),
			completion(3, 4, domain.StatusRework, "ALICE@x.io"),
			completion(4, 6, domain.StatusRework, "bob"),
		},
	}
	a := attribution.Resolve(in, people)
	require.False(t, a.Unattributable)

	total := 0
	for _, r := range a.Records {
		total += r.NewUnitCount + r.ReworkUnitCount
	}
	assert.Equal(t, a.Timeline.Len(), total+a.UnattributedUnits)

	alice, ok := a.Record("alice")
	require.True(t, ok)
	assert.True(t, alice.IsFirstAuthor)
	assert.Equal(t, 1, alice.NewUnitCount)
	assert.Equal(t, 1, alice.ReworkUnitCount)
	bob, ok := a.Record("bob")
	require.True(t, ok)
	assert.Equal(t, 2, bob.ReworkUnitCount)
	assert.True(t, bob.IsLastCompleter)
	assert.Equal(t, "bob", a.LastCompleter)
}

func TestApprovalSameAuthorCreditsApproved(t *testing.T) {
	in := attribution.TaskInput{
		Task: task(domain.StatusCompleted),
		Events: []domain.CompletionEvent{
			completion(1, 0, domain.StatusLabeling, "alice"),
			completion(2, 3, domain.StatusRework, "alice"),
		},
		Reviews: []domain.Review{review("r1", 1, domain.ActionRework, 2), review("r2", 4, domain.ActionNone, 5)},
	}
	a := attribution.Resolve(in, people)
	assert.True(t, a.Has(domain.OutcomeApproved))
	assert.False(t, a.Has(domain.OutcomeApprovedRework))
	for _, r := range a.Records {
		assert.False(t, r.ApprovedRework)
	}
	alice, _ := a.Record("alice")
	assert.True(t, alice.Approved)
}

func TestApprovalAfterHandOffCreditsLastCompleter(t *testing.T) {
	in := attribution.TaskInput{
		Task: task(domain.StatusCompleted),
		Events: []domain.CompletionEvent{
			completion(1, 0, domain.StatusLabeling, "alice"),
			completion(2, 3, domain.StatusRework, "bob"),
		},
		Reviews: []domain.Review{review("r1", 4, domain.ActionDelivery, 4)},
	}
	a := attribution.Resolve(in, people)
	assert.True(t, a.Has(domain.OutcomeApprovedRework))
	bob, _ := a.Record("bob")
	assert.True(t, bob.ApprovedRework)
	alice, _ := a.Record("alice")
	assert.False(t, alice.Approved)
	assert.False(t, alice.ApprovedRework)
}

func TestNoApprovalWhenLatestReviewRequestsRework(t *testing.T) {
	in := attribution.TaskInput{
		Task:    task(domain.StatusCompleted),
		Events:  []domain.CompletionEvent{completion(1, 0, domain.StatusLabeling, "alice")},
		Reviews: []domain.Review{review("r1", 1, domain.ActionNone, 4), review("r2", 2, domain.ActionRework, 2)},
	}
	a := attribution.Resolve(in, people)
	assert.False(t, a.Has(domain.OutcomeApproved))

	draftOnly := in
	draftOnly.Reviews = []domain.Review{{ID: "d", TaskID: "t1", Type: domain.ReviewManual, Status: domain.ReviewDraft, SubmittedAt: at(3)}}
	assert.False(t, attribution.Resolve(draftOnly, people).Has(domain.OutcomeApproved))
}

func TestDeliveryCreditsLastCompleterOnly(t *testing.T) {
	delivered := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	in := attribution.TaskInput{
		Task: domain.Task{ID: "t1", ProjectID: "p1", CurrentStatus: domain.StatusDelivered, DeliveryBatchRef: str("b1")},
		Events: []domain.CompletionEvent{
			completion(1, 0, domain.StatusLabeling, "alice"),
			completion(2, 3, domain.StatusRework, "bob"),
		},
		Batch: &domain.DeliveryBatch{ID: "b1", Status: "DELIVERED", DeliveredAt: &delivered},
	}
	a := attribution.Resolve(in, people)
	assert.True(t, a.Has(domain.OutcomeDelivered))
	bob, _ := a.Record("bob")
	alice, _ := a.Record("alice")
	assert.True(t, bob.Delivered)
	assert.False(t, alice.Delivered)
	require.NotNil(t, a.DeliveredAt)
	assert.Equal(t, delivered, *a.DeliveredAt)
}

func TestInQueueNeedsReferenceAndUndeliveredStatus(t *testing.T) {
	events := []domain.CompletionEvent{completion(1, 0, domain.StatusLabeling, "alice")}
	queued := attribution.Resolve(attribution.TaskInput{
		Task:   domain.Task{ID: "t1", CurrentStatus: domain.StatusCompleted, DeliveryBatchRef: str("b2")},
		Events: events,
	}, people)
	assert.True(t, queued.Has(domain.OutcomeInQueue))
	alice, _ := queued.Record("alice")
	assert.True(t, alice.InQueue)

	none := attribution.Resolve(attribution.TaskInput{Task: task(domain.StatusCompleted), Events: events}, people)
	assert.False(t, none.Has(domain.OutcomeInQueue))
	assert.False(t, none.Has(domain.OutcomeDelivered))
}

func TestReviewAttributedToLatestPriorCompletion(t *testing.T) {
	in := attribution.TaskInput{
		Task: task(domain.StatusCompleted),
		Events: []domain.CompletionEvent{
			completion(1, 2, domain.StatusLabeling, "alice"),
			completion(2, 5, domain.StatusRework, "bob"),
		},
		Reviews: []domain.Review{
			review("before", 1, domain.ActionRework, 1),
			review("r-alice", 3, domain.ActionRework, 2),
			review("r-bob", 5, domain.ActionNone, 5),
			{ID: "auto", TaskID: "t1", Score: score(3), Type: domain.ReviewAuto, Status: domain.ReviewPublished, SubmittedAt: at(6)},
			{ID: "draft", TaskID: "t1", Score: score(1), Type: domain.ReviewManual, Status: domain.ReviewDraft, SubmittedAt: at(6)},
		},
	}
	a := attribution.Resolve(in, people)
	byID := map[string]attribution.ReviewCredit{}
	for _, r := range a.Reviews {
		byID[r.ReviewID] = r
	}
	assert.False(t, byID["before"].Attributed())
	assert.Equal(t, "alice", byID["r-alice"].PersonKey)
	assert.Equal(t, "bob", byID["r-bob"].PersonKey)
	assert.Equal(t, "bob", byID["auto"].PersonKey)
	assert.Equal(t, domain.ReviewAuto, byID["auto"].Type)
	assert.NotContains(t, byID, "draft")
	assert.Equal(t, 4, a.PublishedReviews)
	assert.Equal(t, 1, a.UnattributedReviews)
}

func TestTaskWithoutAuthorsIsUnattributable(t *testing.T) {
	in := attribution.TaskInput{
		Task: domain.Task{ID: "t1", CurrentStatus: domain.StatusDelivered, DeliveryStatus: str("delivered")},
		Events: []domain.CompletionEvent{
			completion(1, 0, domain.StatusLabeling, ""),
			completion(2, 1, domain.StatusRework, "  "),
		},
		Reviews: []domain.Review{review("r1", 2, domain.ActionNone, 4)},
	}
	a := attribution.Resolve(in, people)
	assert.True(t, a.Unattributable)
	assert.Empty(t, a.Records)
	assert.Equal(t, 2, a.UnattributedUnits)
	assert.Equal(t, 1, a.UnattributedReviews)
	assert.True(t, a.Has(domain.OutcomeUnattributedDeliverable))
}

func TestDeliveredWithoutCompletionsIsUnattributedDeliverable(t *testing.T) {
	a := attribution.Resolve(attribution.TaskInput{
		Task:  domain.Task{ID: "t1", CurrentStatus: domain.StatusDelivered, DeliveryBatchRef: str("b1")},
		Batch: &domain.DeliveryBatch{ID: "b1", Status: "delivered"},
	}, people)
	assert.False(t, a.Unattributable)
	assert.True(t, a.Has(domain.OutcomeUnattributedDeliverable))
	assert.False(t, a.Has(domain.OutcomeDelivered))
}

func TestPartiallyAuthoredTaskKeepsSequence(t *testing.T) {
	a := attribution.Resolve(attribution.TaskInput{
		Task: task(domain.StatusRework),
		Events: []domain.CompletionEvent{
			completion(1, 0, domain.StatusLabeling, ""),
			completion(2, 1, domain.StatusRework, "bob"),
		},
	}, people)
	assert.False(t, a.Unattributable)
	assert.Equal(t, 1, a.UnattributedUnits)
	bob, _ := a.Record("bob")
	assert.False(t, bob.IsFirstAuthor)
	assert.Equal(t, 1, bob.ReworkUnitCount)
	assert.Empty(t, a.FirstAuthor)
}

func TestUnknownReviewValuesAreFlagged(t *testing.T) {
	a := attribution.Resolve(attribution.TaskInput{
		Task:   task(domain.StatusCompleted),
		Events: []domain.CompletionEvent{completion(1, 0, domain.StatusLabeling, "alice")},
		Reviews: []domain.Review{
			{ID: "x", TaskID: "t1", Type: "peer", Status: domain.ReviewPublished, SubmittedAt: at(1)},
			{ID: "y", TaskID: "t1", Type: domain.ReviewManual, Status: "archived", SubmittedAt: at(1)},
			{ID: "z", TaskID: "t1", Type: domain.ReviewManual, Status: domain.ReviewPublished, SubmittedAt: at(1), Action: "escalate"},
		},
	}, people)
	assert.Equal(t, 3, a.Flagged)
	require.Len(t, a.Reviews, 1)
	assert.Equal(t, "z", a.Reviews[0].ReviewID)
}

func TestPeopleLead(t *testing.T) {
	lead, ok := people.Lead("bob")
	require.True(t, ok)
	assert.Equal(t, "lead", lead.ID)
	_, ok = people.Lead("alice")
	assert.False(t, ok)
	key, ok := people.Key(str("Stranger@Corp.io"))
	require.True(t, ok)
	assert.Equal(t, "stranger@corp.io", key)
	_, ok = people.Get(key)
	assert.False(t, ok)
}
