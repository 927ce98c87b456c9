package attachments

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/service-tip-git/attachments/pkg/types"
)

// DiffForDeletion returns the keys present in draft but absent from active, in draft
// order and without duplicates. Empty keys are ignored.
func DiffForDeletion(draft, active []types.URLRef) []types.URLRef {
	keep := make(map[string]struct{}, len(active))
	for _, ref := range active {
		keep[ref.URL] = struct{}{}
	}

	var out []types.URLRef
	seen := make(map[string]struct{}, len(draft))
	for _, ref := range draft {
		if ref.URL == "" {
			continue
		}
		if _, ok := keep[ref.URL]; ok {
			continue
		}
		if _, ok := seen[ref.URL]; ok {
			continue
		}
		seen[ref.URL] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// attachmentsToDelete reads the draft and active keys matching filter concurrently and
// returns the ones only the draft holds.
func (s *Service) attachmentsToDelete(ctx context.Context, tenantID, draftEntity, activeEntity string, filter types.Filter) ([]types.URLRef, error) {
	var draft, active []types.URLRef

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		draft, err = s.meta.URLs(gctx, tenantID, draftEntity, filter)
		return err
	})
	g.Go(func() (err error) {
		active, err = s.meta.URLs(gctx, tenantID, activeEntity, filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return DiffForDeletion(draft, active), nil
}
