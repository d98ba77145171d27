// Package identity keeps local ids in the canonical form the remote store
// accepts (lowercase hyphenated UUIDs) and follows ids the remote echoes back.
package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

// IsCanonical reports whether id is a lowercase hyphenated UUID.
func IsCanonical(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.String() == id
}

// NewID returns a fresh canonical id.
func NewID() string {
	return uuid.NewString()
}

// Store is the cache surface a Reconciler needs. Rekey moves a cached entity
// and everything that references it to a new id. Confirmed ids are ids the
// remote store already holds rows under, whatever their form.
type Store interface {
	Rekey(ctx context.Context, kind schema.Entity, oldID, newID string) error
	ConfirmID(ctx context.Context, kind schema.Entity, ids ...string) error
	IsConfirmed(ctx context.Context, kind schema.Entity, id string) (bool, error)
}

// Reconciler rewrites cached rows whose id is not canonical, or differs from
// the id the remote store confirmed.
type Reconciler struct {
	store  Store
	newID  func() string
	logger logrus.FieldLogger
}

// New returns a Reconciler over store.
func New(store Store, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		store:  store,
		newID:  NewID,
		logger: logger.WithField("component", "identity"),
	}
}

// Reconcile returns the canonical id for localID. A canonical or confirmed
// id is returned unchanged; otherwise a new id is generated and the row is
// rekeyed before it is returned, so nothing is pushed under a placeholder.
func (r *Reconciler) Reconcile(ctx context.Context, kind schema.Entity, localID string) (string, error) {
	if IsCanonical(localID) {
		return localID, nil
	}
	confirmed, err := r.store.IsConfirmed(ctx, kind, localID)
	if err != nil {
		return "", err
	}
	if confirmed {
		return localID, nil
	}
	canonical := r.newID()
	if err := r.store.Rekey(ctx, kind, localID, canonical); err != nil {
		return "", fmt.Errorf("failed to reconcile %s %s: %w", kind, localID, err)
	}
	r.logger.WithFields(logrus.Fields{
		"entity": string(kind),
		"old_id": localID,
		"new_id": canonical,
	}).Info("assigned canonical id")
	return canonical, nil
}

// Adopt follows the id echoed by a successful push. When it differs from the
// id that was sent, the row is rekeyed to the echoed id, which is then
// confirmed so later edits keep it. An empty echo means the remote kept the
// sent id.
func (r *Reconciler) Adopt(ctx context.Context, kind schema.Entity, sent, echoed string) (string, error) {
	if echoed == "" || echoed == sent {
		return sent, nil
	}
	if err := r.store.Rekey(ctx, kind, sent, echoed); err != nil {
		return "", fmt.Errorf("failed to adopt remote id %s for %s %s: %w", echoed, kind, sent, err)
	}
	if err := r.store.ConfirmID(ctx, kind, echoed); err != nil {
		return "", err
	}
	r.logger.WithFields(logrus.Fields{
		"entity": string(kind),
		"old_id": sent,
		"new_id": echoed,
	}).Info("adopted remote id")
	return echoed, nil
}
