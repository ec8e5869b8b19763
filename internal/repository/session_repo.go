package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"bingohall/internal/apperr"
	"bingohall/internal/model"
)

// SessionRepo handles MongoDB operations for session documents.
//
// UpdateCAS is the only mutation primitive: it replaces the document
// only if the stored version still matches the version the caller read,
// which is what serializes racing hosts and concurrent joins.
type SessionRepo interface {
	Create(ctx context.Context, session *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	UpdateCAS(ctx context.Context, session *model.Session) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}

type sessionRepo struct {
	collection *mongo.Collection
	log        zerolog.Logger
}

// NewSessionRepo creates the repository and ensures its indexes.
func NewSessionRepo(db *mongo.Database, log zerolog.Logger) SessionRepo {
	repo := &sessionRepo{
		collection: db.Collection("sessions"),
		log:        log.With().Str("component", "session_repo").Logger(),
	}
	repo.ensureIndexes(context.Background())
	return repo
}

func (r *sessionRepo) ensureIndexes(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Mongo's TTL monitor deletes the document once expiresAt passes;
	// this is the absolute session TTL.
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to create expiresAt TTL index")
	}
}

func (r *sessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.collection.InsertOne(ctx, session)
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Newf(apperr.KindConflict, "session id %s already exists", session.ID)
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepo) GetByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if err == mongo.ErrNoDocuments {
		return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &session, nil
}

// UpdateCAS commits session with its version bumped, conditioned on the
// stored version still being the one the caller loaded. A zero match is
// a lost race and surfaces as Conflict; the caller re-reads and decides
// whether the other writer already did its work.
func (r *sessionRepo) UpdateCAS(ctx context.Context, session *model.Session) error {
	expected := session.Version
	session.Version = expected + 1

	res, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": session.ID, "version": expected},
		session,
	)
	if err != nil {
		session.Version = expected
		return fmt.Errorf("replace session: %w", err)
	}
	if res.MatchedCount == 0 {
		session.Version = expected
		return apperr.Newf(apperr.KindConflict, "session %s was modified concurrently", session.ID)
	}
	return nil
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *sessionRepo) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count sessions: %w", err)
	}
	return n > 0, nil
}
