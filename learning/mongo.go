package learning

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/autopack-run/autopack/plan"
)

const (
	defaultRulesCollection = "learned_rules"
	defaultHintsCollection = "run_hints"
	defaultTimeout         = 5 * time.Second
)

// MongoOptions configures a MongoStore.
type MongoOptions struct {
	Client          *mongodriver.Client
	Database        string
	RulesCollection string // default "learned_rules"
	HintsCollection string // default "run_hints"
	Timeout         time.Duration
}

// MongoStore is the Mongo-backed Store implementation, grounded on
// features/memory/mongo/clients/mongo's thin-collection-interface shape
// (collections are wrapped in a small interface so tests can substitute a
// fake, rather than standing up a real server) and registry/store/mongo's
// document/filter conventions for a two-collection domain store.
type MongoStore struct {
	rules   collection
	hints   collection
	timeout time.Duration
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore builds a MongoStore from opts, ensuring the indexes the
// store's queries rely on exist.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	rulesName := opts.RulesCollection
	if rulesName == "" {
		rulesName = defaultRulesCollection
	}
	hintsName := opts.HintsCollection
	if hintsName == "" {
		hintsName = defaultHintsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	rules := mongoCollection{coll: db.Collection(rulesName)}
	hints := mongoCollection{coll: db.Collection(hintsName)}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureRuleIndexes(ictx, rules); err != nil {
		return nil, err
	}
	if err := ensureHintIndexes(ictx, hints); err != nil {
		return nil, err
	}
	return &MongoStore{rules: rules, hints: hints, timeout: timeout}, nil
}

func ensureRuleIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "scope", Value: 1}},
	})
	return err
}

func ensureHintIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "phase_id", Value: 1}, {Key: "body", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

type ruleDocument struct {
	ID              string    `bson:"_id"`
	Scope           string    `bson:"scope"`
	Body            string    `bson:"body"`
	Confidence      float64   `bson:"confidence"`
	OccurrenceCount int       `bson:"occurrence_count"`
	LastSeenAt      time.Time `bson:"last_seen_at"`
}

type hintDocument struct {
	RunID           string              `bson:"run_id"`
	PhaseID         string              `bson:"phase_id"`
	Body            string              `bson:"body"`
	Category        plan.FailureCategory `bson:"category"`
	OccurrenceCount int                 `bson:"occurrence_count"`
	CreatedAt       time.Time           `bson:"created_at"`
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *MongoStore) RulesForPhase(ctx context.Context, ph *plan.Phase) ([]plan.LearnedRule, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.rules.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var docs []ruleDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	var out []plan.LearnedRule
	for _, d := range docs {
		rule := plan.LearnedRule{
			ID: d.ID, Scope: d.Scope, Body: d.Body,
			Confidence: d.Confidence, OccurrenceCount: d.OccurrenceCount, LastSeenAt: d.LastSeenAt,
		}
		if matchesScope(rule.Scope, ph) {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (s *MongoStore) HintsForPhase(ctx context.Context, ph *plan.Phase) ([]plan.RunHint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"run_id": ph.Run,
		"$or": []bson.M{
			{"phase_id": ph.ID},
			{"phase_id": ""},
		},
	}
	cur, err := s.hints.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var docs []hintDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]plan.RunHint, len(docs))
	for i, d := range docs {
		out[i] = plan.RunHint{RunID: d.RunID, PhaseID: d.PhaseID, Body: d.Body, Category: d.Category, CreatedAt: d.CreatedAt}
	}
	return out, nil
}

func (s *MongoStore) RecordHint(ctx context.Context, hint plan.RunHint) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	filter := bson.M{"run_id": hint.RunID, "phase_id": hint.PhaseID, "body": hint.Body}
	update := bson.M{
		"$setOnInsert": bson.M{
			"run_id": hint.RunID, "phase_id": hint.PhaseID, "body": hint.Body,
			"category": hint.Category, "created_at": now,
		},
		"$inc": bson.M{"occurrence_count": 1},
	}
	_, err := s.hints.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) PromotionCandidates(ctx context.Context, runID string, minOccurrences int) ([]PromotionCandidate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID, "occurrence_count": bson.M{"$gte": minOccurrences}}
	cur, err := s.hints.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var docs []hintDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]PromotionCandidate, len(docs))
	for i, d := range docs {
		out[i] = PromotionCandidate{
			Hint:            plan.RunHint{RunID: d.RunID, PhaseID: d.PhaseID, Body: d.Body, Category: d.Category, CreatedAt: d.CreatedAt},
			OccurrenceCount: d.OccurrenceCount,
		}
	}
	return out, nil
}

func (s *MongoStore) DiscardRun(ctx context.Context, runID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.hints.DeleteMany(ctx, bson.M{"run_id": runID})
}

func (s *MongoStore) SaveRule(ctx context.Context, rule plan.LearnedRule) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := ruleDocument{
		ID: rule.ID, Scope: rule.Scope, Body: rule.Body,
		Confidence: rule.Confidence, OccurrenceCount: rule.OccurrenceCount, LastSeenAt: rule.LastSeenAt,
	}
	return s.rules.ReplaceOne(ctx, bson.M{"_id": rule.ID}, doc, options.Replace().SetUpsert(true))
}

// collection is the subset of *mongo.Collection behavior the store needs,
// narrowed to keep MongoStore testable without a live server — the same
// seam features/memory/mongo/clients/mongo draws around *mongo.Collection.
type collection interface {
	Find(ctx context.Context, filter any) (cursor, error)
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteMany(ctx context.Context, filter any) error
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) error
	Indexes() indexView
}

type cursor interface {
	All(ctx context.Context, out any) error
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) Find(ctx context.Context, filter any) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any) error {
	_, err := c.coll.DeleteMany(ctx, filter)
	return err
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) error {
	_, err := c.coll.ReplaceOne(ctx, filter, replacement, opts...)
	return err
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) All(ctx context.Context, out any) error {
	defer func() { _ = c.cur.Close(ctx) }()
	return c.cur.All(ctx, out)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}
