package settlement

import (
	"context"
	"fmt"
	"time"
)

// TryTransition attempts the status move expected -> next on one entity row
// with a single conditional UPDATE. The return value is the race outcome:
// true means this caller won the transition and owns the follow-up work,
// false means another worker already moved the row (or it never held the
// expected status). Losing is a normal result, not an error.
func (s *Store) TryTransition(ctx context.Context, entity Entity, id, expected, next string) (bool, error) {
	perEntity, ok := allowedTransitions[entity]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	if !contains(perEntity[expected], next) {
		return false, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, entity, expected, next)
	}

	// entity is validated against the closed set above, never interpolated
	// from caller input.
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`, entity),
		next, time.Now().UTC(), id, expected)
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", entity, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
