package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/autopack-run/autopack/plan"
)

// fakeCollection is a lightweight in-memory stand-in for the `collection`
// seam, mirroring features/memory/mongo/clients/mongo's fakeCollection:
// enough of Mongo's filter/update semantics to exercise the store without a
// live server.
type fakeCollection struct {
	rows         []bson.M
	indexCreated bool
}

func newFakeCollection() *fakeCollection { return &fakeCollection{} }

func (c *fakeCollection) Find(_ context.Context, filter any) (cursor, error) {
	f, _ := filter.(bson.M)
	var matched []bson.M
	for _, row := range c.rows {
		if rowMatches(row, f) {
			matched = append(matched, row)
		}
	}
	return fakeCursor{rows: matched}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter, update any, _ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	f, _ := filter.(bson.M)
	u, _ := update.(bson.M)
	for _, row := range c.rows {
		if rowMatches(row, f) {
			if inc, ok := u["$inc"].(bson.M); ok {
				for k, v := range inc {
					n, _ := v.(int)
					cur, _ := row[k].(int)
					row[k] = cur + n
				}
			}
			return &mongodriver.UpdateResult{MatchedCount: 1}, nil
		}
	}
	row := bson.M{}
	if soi, ok := u["$setOnInsert"].(bson.M); ok {
		for k, v := range soi {
			row[k] = v
		}
	}
	if inc, ok := u["$inc"].(bson.M); ok {
		for k, v := range inc {
			n, _ := v.(int)
			row[k] = n
		}
	}
	c.rows = append(c.rows, row)
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeCollection) DeleteMany(_ context.Context, filter any) error {
	f, _ := filter.(bson.M)
	var kept []bson.M
	for _, row := range c.rows {
		if !rowMatches(row, f) {
			kept = append(kept, row)
		}
	}
	c.rows = kept
	return nil
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter, replacement any, _ ...*options.ReplaceOptions) error {
	f, _ := filter.(bson.M)
	doc, ok := replacement.(ruleDocument)
	if !ok {
		return nil
	}
	row := bson.M{"_id": doc.ID, "scope": doc.Scope, "body": doc.Body, "confidence": doc.Confidence,
		"occurrence_count": doc.OccurrenceCount, "last_seen_at": doc.LastSeenAt}
	for i, existing := range c.rows {
		if rowMatches(existing, f) {
			c.rows[i] = row
			return nil
		}
	}
	c.rows = append(c.rows, row)
	return nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{c} }

type fakeIndexView struct{ parent *fakeCollection }

func (v fakeIndexView) CreateOne(_ context.Context, _ mongodriver.IndexModel) (string, error) {
	v.parent.indexCreated = true
	return "idx", nil
}

type fakeCursor struct{ rows []bson.M }

func (c fakeCursor) All(_ context.Context, out any) error {
	switch dst := out.(type) {
	case *[]ruleDocument:
		for _, row := range c.rows {
			*dst = append(*dst, bsonToRuleDocument(row))
		}
	case *[]hintDocument:
		for _, row := range c.rows {
			*dst = append(*dst, bsonToHintDocument(row))
		}
	}
	return nil
}

func rowMatches(row, filter bson.M) bool {
	for k, v := range filter {
		if k == "$or" {
			clauses, _ := v.([]bson.M)
			ok := false
			for _, clause := range clauses {
				if rowMatches(row, clause) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
			continue
		}
		if nested, ok := v.(bson.M); ok {
			if gte, ok := nested["$gte"]; ok {
				n, _ := row[k].(int)
				threshold, _ := gte.(int)
				if n < threshold {
					return false
				}
				continue
			}
		}
		if row[k] != v {
			return false
		}
	}
	return true
}

func bsonToRuleDocument(row bson.M) ruleDocument {
	d := ruleDocument{}
	if v, ok := row["_id"].(string); ok {
		d.ID = v
	}
	if v, ok := row["scope"].(string); ok {
		d.Scope = v
	}
	if v, ok := row["body"].(string); ok {
		d.Body = v
	}
	if v, ok := row["confidence"].(float64); ok {
		d.Confidence = v
	}
	if v, ok := row["occurrence_count"].(int); ok {
		d.OccurrenceCount = v
	}
	return d
}

func bsonToHintDocument(row bson.M) hintDocument {
	d := hintDocument{}
	if v, ok := row["run_id"].(string); ok {
		d.RunID = v
	}
	if v, ok := row["phase_id"].(string); ok {
		d.PhaseID = v
	}
	if v, ok := row["body"].(string); ok {
		d.Body = v
	}
	if v, ok := row["category"].(plan.FailureCategory); ok {
		d.Category = v
	}
	if v, ok := row["occurrence_count"].(int); ok {
		d.OccurrenceCount = v
	}
	return d
}

func newTestMongoStore() *MongoStore {
	return &MongoStore{rules: newFakeCollection(), hints: newFakeCollection(), timeout: 0}
}

func TestRecordHintIncrementsOccurrenceCount(t *testing.T) {
	s := newTestMongoStore()
	ctx := context.Background()
	hint := plan.RunHint{RunID: "run_1", PhaseID: "phase_1", Body: "use sqlx not gorm"}
	require.NoError(t, s.RecordHint(ctx, hint))
	require.NoError(t, s.RecordHint(ctx, hint))
	require.NoError(t, s.RecordHint(ctx, hint))

	candidates, err := s.PromotionCandidates(ctx, "run_1", 3)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, 3, candidates[0].OccurrenceCount)
	require.Equal(t, "use sqlx not gorm", candidates[0].Hint.Body)
}

func TestPromotionCandidatesExcludesBelowThreshold(t *testing.T) {
	s := newTestMongoStore()
	ctx := context.Background()
	require.NoError(t, s.RecordHint(ctx, plan.RunHint{RunID: "run_1", PhaseID: "phase_1", Body: "hint a"}))
	require.NoError(t, s.RecordHint(ctx, plan.RunHint{RunID: "run_1", PhaseID: "phase_1", Body: "hint b"}))
	require.NoError(t, s.RecordHint(ctx, plan.RunHint{RunID: "run_1", PhaseID: "phase_1", Body: "hint b"}))

	candidates, err := s.PromotionCandidates(ctx, "run_1", 2)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "hint b", candidates[0].Hint.Body)
}

func TestHintsForPhaseIncludesWildcardScope(t *testing.T) {
	s := newTestMongoStore()
	ctx := context.Background()
	require.NoError(t, s.RecordHint(ctx, plan.RunHint{RunID: "run_1", PhaseID: "phase_1", Body: "scoped"}))
	require.NoError(t, s.RecordHint(ctx, plan.RunHint{RunID: "run_1", PhaseID: "", Body: "wildcard"}))
	require.NoError(t, s.RecordHint(ctx, plan.RunHint{RunID: "run_1", PhaseID: "phase_2", Body: "other phase"}))

	hints, err := s.HintsForPhase(ctx, &plan.Phase{ID: "phase_1", Run: "run_1"})
	require.NoError(t, err)
	require.Len(t, hints, 2)
}

func TestDiscardRunRemovesAllHints(t *testing.T) {
	s := newTestMongoStore()
	ctx := context.Background()
	require.NoError(t, s.RecordHint(ctx, plan.RunHint{RunID: "run_1", PhaseID: "phase_1", Body: "hint"}))
	require.NoError(t, s.DiscardRun(ctx, "run_1"))

	hints, err := s.HintsForPhase(ctx, &plan.Phase{ID: "phase_1", Run: "run_1"})
	require.NoError(t, err)
	require.Empty(t, hints)
}

func TestSaveRuleAndRulesForPhaseMatchesScopePrefix(t *testing.T) {
	s := newTestMongoStore()
	ctx := context.Background()
	require.NoError(t, s.SaveRule(ctx, plan.LearnedRule{ID: "rule_1", Scope: "src/api", Body: "use context.Context first arg"}))
	require.NoError(t, s.SaveRule(ctx, plan.LearnedRule{ID: "rule_2", Scope: "src/frontend", Body: "unrelated"}))

	rules, err := s.RulesForPhase(ctx, &plan.Phase{ScopePaths: []string{"src/api/handlers"}})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "rule_1", rules[0].ID)
}

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	require.NoError(t, ensureHintIndexes(context.Background(), fc))
	require.True(t, fc.indexCreated)
}
