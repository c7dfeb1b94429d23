package store

import (
	"context"
	"fmt"
)

// ResolveAudience expands a broadcast audience selector into a concrete
// recipient list. Supported selectors: "all_started" (every recipient
// with a start funnel event) and "after_pix" (recipients with a pix
// charge and no approved payment), matching the broadcasts table's
// audience_selector check constraint.
func (s *Store) ResolveAudience(ctx context.Context, tenantSlug, selector string) ([]int64, error) {
	var q string
	switch selector {
	case "all_started":
		q = `SELECT DISTINCT recipient_id FROM funnel_events WHERE tenant_slug = $1 AND kind = 'start'`
	case "after_pix":
		q = `
			SELECT DISTINCT recipient_id FROM funnel_events e1
			WHERE tenant_slug = $1 AND kind = 'pix_created'
			AND NOT EXISTS (
				SELECT 1 FROM funnel_events e2
				WHERE e2.tenant_slug = e1.tenant_slug AND e2.recipient_id = e1.recipient_id AND e2.kind = 'payment_approved'
			)`
	default:
		return nil, fmt.Errorf("store: unknown audience selector %q", selector)
	}

	rows, err := s.db.QueryContext(ctx, q, tenantSlug)
	if err != nil {
		return nil, fmt.Errorf("store: resolve audience: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan audience recipient: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
