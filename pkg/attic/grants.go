package attic

import (
	"context"
	"time"

	"github.com/mesh-intelligence/attic/internal/codec"
	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Grant stores g and returns it with its id and creation time set. The
// system subject may grant anything; other subjects need every action on
// the target, and only the system subject may grant globally.
func (se *Session) Grant(ctx context.Context, g types.Grant) (out types.Grant, err error) {
	defer se.s.observe(ctx, "grant", time.Now(), &err)
	if err := g.Validate(); err != nil {
		return types.Grant{}, err
	}
	if err := se.checkTarget(ctx, g); err != nil {
		return types.Grant{}, err
	}
	if err := se.manage(ctx, g); err != nil {
		return types.Grant{}, err
	}
	if g.GrantID == "" {
		g.GrantID = codec.NewObjectID()
	}
	g.CreatedAt = se.s.now()
	if err := store.WithTx(ctx, se.s.backend, func(tx store.Tx) error {
		return tx.PutGrant(ctx, g)
	}); err != nil {
		return types.Grant{}, err
	}
	se.s.perms.Invalidate(g)
	se.s.log.Info().Str("grant", g.GrantID).Str("subject", string(g.SubjectKind)+":"+g.SubjectID).
		Str("target", string(g.TargetKind)+":"+g.TargetID).Stringer("actions", g.Actions).Msg("granted")
	return g, nil
}

// Revoke removes the grant id under the same rules as Grant.
func (se *Session) Revoke(ctx context.Context, id string) (err error) {
	defer se.s.observe(ctx, "revoke", time.Now(), &err)
	all, err := se.s.backend.AllGrants(ctx)
	if err != nil {
		return err
	}
	var g *types.Grant
	for i := range all {
		if all[i].GrantID == id {
			g = &all[i]
			break
		}
	}
	if g == nil {
		return types.Invalid("revoke", "no grant %s", id)
	}
	if err := se.manage(ctx, *g); err != nil {
		return err
	}
	if err := store.WithTx(ctx, se.s.backend, func(tx store.Tx) error {
		return tx.DeleteGrant(ctx, id)
	}); err != nil {
		return err
	}
	se.s.perms.Invalidate(*g)
	se.s.log.Info().Str("grant", id).Msg("revoked")
	return nil
}

// Grants lists the grants on one target; an empty kind lists all grants.
// Listing needs the same rights as granting on that target.
func (se *Session) Grants(ctx context.Context, target types.TargetKind, targetID string) ([]types.Grant, error) {
	if target == "" {
		if !se.subject.IsSystem() {
			return nil, types.E(types.KindPermissionDenied, "grants", "listing every grant needs the system subject")
		}
		return se.s.backend.AllGrants(ctx)
	}
	g := types.Grant{TargetKind: target, TargetID: targetID}
	if err := se.manage(ctx, g); err != nil {
		return nil, err
	}
	return se.s.backend.Grants(ctx, target, targetID)
}

// manage checks that the session may change grants on g's target.
func (se *Session) manage(ctx context.Context, g types.Grant) error {
	if se.subject.IsSystem() {
		return nil
	}
	switch g.TargetKind {
	case types.TargetObject:
		return se.s.perms.Require(ctx, se.subject, g.TargetID, types.ActionAll)
	case types.TargetScheme:
		return se.s.perms.RequireScheme(ctx, se.subject, g.TargetID, types.ActionAll)
	}
	return types.E(types.KindPermissionDenied, "grant", "global grants need the system subject")
}

func (se *Session) checkTarget(ctx context.Context, g types.Grant) error {
	switch g.TargetKind {
	case types.TargetObject:
		_, err := se.s.backend.Object(ctx, g.TargetID)
		return err
	case types.TargetScheme:
		_, err := se.s.registry.ByID(ctx, g.TargetID)
		return err
	}
	return nil
}
