package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
)

const (
	collAssessments     = "assessments"
	collRecommendations = "recommendations"
	collReports         = "reports"
	collWorkflowStates  = "workflow_states"
)

// Connect dials MongoDB and verifies the connection with a ping.
func Connect(ctx context.Context, uri, database string, logger core.Logger) (*mongo.Database, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo URI is required: %w", core.ErrMissingConfiguration)
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", core.ErrConnectionFailed)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", core.ErrConnectionFailed)
	}
	if logger != nil {
		logger.Info("MongoDB connected", map[string]interface{}{"database": database})
	}
	return client.Database(database), nil
}

// NewMongoStore builds the repository bundle over one database handle.
func NewMongoStore(db *mongo.Database) *Store {
	return &Store{
		Assessments:     &mongoAssessments{coll: db.Collection(collAssessments)},
		Recommendations: &mongoRecommendations{coll: db.Collection(collRecommendations)},
		Reports:         &mongoReports{coll: db.Collection(collReports)},
		Workflows:       &mongoWorkflows{coll: db.Collection(collWorkflowStates)},
	}
}

// EnsureIndexes creates the indexes the repositories rely on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(collRecommendations).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "assessment_id", Value: 1}, {Key: "agent_name", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating recommendation indexes: %w", err)
	}
	_, err = db.Collection(collWorkflowStates).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "assessment_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "end_time", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating workflow indexes: %w", err)
	}
	_, err = db.Collection(collReports).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "assessment_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating report indexes: %w", err)
	}
	return nil
}

type mongoAssessments struct {
	coll *mongo.Collection
}

func (r *mongoAssessments) Get(ctx context.Context, id string) (*domain.Assessment, error) {
	var a domain.Assessment
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("assessment %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *mongoAssessments) Save(ctx context.Context, a *domain.Assessment) error {
	if err := a.Validate(); err != nil {
		return err
	}
	opts := options.Replace().SetUpsert(true)
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": a.ID}, a, opts)
	return err
}

type mongoRecommendations struct {
	coll *mongo.Collection
}

func (r *mongoRecommendations) ReplaceForAgent(ctx context.Context, assessmentID, agentName string, recs []domain.Recommendation) error {
	filter := bson.M{"assessment_id": assessmentID, "agent_name": agentName}
	if _, err := r.coll.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("clearing prior recommendations: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(recs))
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			return err
		}
		docs = append(docs, recs[i])
	}
	_, err := r.coll.InsertMany(ctx, docs)
	return err
}

func (r *mongoRecommendations) ListByAssessment(ctx context.Context, assessmentID string) ([]domain.Recommendation, error) {
	cur, err := r.coll.Find(ctx, bson.M{"assessment_id": assessmentID})
	if err != nil {
		return nil, err
	}
	var out []domain.Recommendation
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *mongoRecommendations) CountByAssessment(ctx context.Context, assessmentID string) (int64, error) {
	return r.coll.CountDocuments(ctx, bson.M{"assessment_id": assessmentID})
}

type mongoReports struct {
	coll *mongo.Collection
}

func (r *mongoReports) Save(ctx context.Context, rep *domain.Report) error {
	opts := options.Replace().SetUpsert(true)
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": rep.ID}, rep, opts)
	return err
}

func (r *mongoReports) Get(ctx context.Context, id string) (*domain.Report, error) {
	var rep domain.Report
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rep)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("report %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

func (r *mongoReports) ListByAssessment(ctx context.Context, assessmentID string) ([]domain.Report, error) {
	cur, err := r.coll.Find(ctx, bson.M{"assessment_id": assessmentID})
	if err != nil {
		return nil, err
	}
	var out []domain.Report
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type mongoWorkflows struct {
	coll *mongo.Collection
}

func (r *mongoWorkflows) Save(ctx context.Context, w *domain.WorkflowState) error {
	if err := w.Validate(); err != nil {
		return err
	}
	opts := options.Replace().SetUpsert(true)
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": w.ID}, w, opts)
	return err
}

func (r *mongoWorkflows) Get(ctx context.Context, id string) (*domain.WorkflowState, error) {
	var w domain.WorkflowState
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&w)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("workflow %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *mongoWorkflows) ListByStatus(ctx context.Context, statuses ...domain.WorkflowStatus) ([]domain.WorkflowState, error) {
	filter := bson.M{}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	cur, err := r.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var out []domain.WorkflowState
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *mongoWorkflows) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	filter := bson.M{
		"status":   bson.M{"$in": []domain.WorkflowStatus{domain.WorkflowCompleted, domain.WorkflowFailed, domain.WorkflowCancelled}},
		"end_time": bson.M{"$lt": cutoff},
	}
	cur, err := r.coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if _, err := r.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, err
	}
	return ids, nil
}
