package consumer

import (
	"context"
	"database/sql"
)

// ByStreamTypeLister lists the non-archived stream ids of one stream type
// within a partition, querying the streams table directly. It satisfies
// StreamLister for subscriptions that track every stream of a given type
// rather than one fixed stream id.
type ByStreamTypeLister struct {
	db         *sql.DB
	streamType string
}

// NewByStreamTypeLister builds a lister scoped to streamType.
func NewByStreamTypeLister(db *sql.DB, streamType string) *ByStreamTypeLister {
	return &ByStreamTypeLister{db: db, streamType: streamType}
}

func (l *ByStreamTypeLister) ListStreams(ctx context.Context, partition string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT stream_id FROM streams WHERE partition = $1 AND stream_type = $2 AND NOT is_archived`,
		partition, l.streamType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
