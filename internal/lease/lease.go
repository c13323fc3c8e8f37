// Package lease grants one migrator exclusive use of a table's shadow
// schema for the duration of a run. The lease record carries a signed
// token; release verifies the token so a stale migrator cannot release a
// lease it no longer holds.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sluicedev/sluice/internal/metadata"
	"github.com/sluicedev/sluice/internal/models"
)

const audience = "sluice-migrator"

// Manager acquires and releases schema leases against the metadata store.
type Manager struct {
	store      metadata.Store
	signingKey []byte
	ttl        time.Duration
}

// NewManager returns a lease manager. ttl bounds how long a crashed run
// can block the table before its lease lapses.
func NewManager(store metadata.Store, signingKey []byte, ttl time.Duration) *Manager {
	return &Manager{store: store, signingKey: signingKey, ttl: ttl}
}

// Acquire takes the lease for a table on behalf of a run. With force set,
// any existing lease is deleted first (operator override after a crash).
func (m *Manager) Acquire(ctx context.Context, table, runID string, force bool) (models.SchemaLease, error) {
	now := time.Now().UTC()
	token, err := m.signToken(table, runID, now)
	if err != nil {
		return models.SchemaLease{}, errors.Wrap(err, "sign lease token")
	}

	l := models.SchemaLease{
		ID:        uuid.NewString(),
		TableName: table,
		RunID:     runID,
		Token:     token,
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
	}

	err = m.store.InsertLease(ctx, l)
	if metadata.IsLeaseHeld(err) && force {
		if delErr := m.store.DeleteLease(ctx, table, leaseHolderRunID(err)); delErr != nil {
			return models.SchemaLease{}, errors.Wrap(delErr, "force-release held lease")
		}
		err = m.store.InsertLease(ctx, l)
	}
	if err != nil {
		return models.SchemaLease{}, err
	}
	return l, nil
}

// Release verifies the lease token and removes the lease.
func (m *Manager) Release(ctx context.Context, l models.SchemaLease) error {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(l.Token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return errors.Wrap(err, "verify lease token")
	}
	if !parsed.Valid {
		return errors.New("lease token invalid")
	}
	if sub, _ := claims["sub"].(string); sub != l.RunID {
		return fmt.Errorf("lease token subject %q does not match run %q", claims["sub"], l.RunID)
	}
	return m.store.DeleteLease(ctx, l.TableName, l.RunID)
}

func (m *Manager) signToken(table, runID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":   runID,
		"table": table,
		"aud":   audience,
		"iss":   "sluice-pipeline",
		"exp":   now.Add(m.ttl).Unix(),
		"iat":   now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func leaseHolderRunID(err error) string {
	holder, ok := metadata.LeaseHolder(err)
	if !ok {
		return ""
	}
	return holder.RunID
}
