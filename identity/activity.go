package identity

import (
	"database/sql"

	"github.com/burrow-im/go-burrow/config"
	"github.com/burrow-im/go-burrow/ids"
	db "github.com/burrow-im/go-burrow/internal/db"
	"go.uber.org/zap"
)

// ActivityRecord is the derived recency view for one identity. A nil
// LastActivity means no message has ever arrived for it, which ranks it
// coldest.
type ActivityRecord struct {
	ClientID          ids.ID
	InboxID           ids.ID
	LastActivity      *uint64
	ConversationCount uint
}

type activityRow struct {
	ClientID          []byte        `db:"client_id"`
	InboxID           []byte        `db:"inbox_id"`
	LastActivity      sql.NullInt64 `db:"last_activity"`
	ConversationCount uint          `db:"conversation_count"`
}

// Ranking answers "which identities has the user touched most recently". It
// owns no state; every query recomputes from durable storage. Pre-created
// unused conversations are invisible to it.
type Ranking struct {
	log *zap.SugaredLogger
	db  *db.Database
}

func NewRanking(c *config.Config, d *db.Database) *Ranking {
	return &Ranking{
		log: c.Logger("identity/ranking"),
		db:  d,
	}
}

const rankingQuery = `
SELECT i.client_id AS client_id,
       i.inbox_id AS inbox_id,
       (SELECT MAX(m.received_at)
          FROM messages m
          JOIN conversations c ON m.conversation_id = c.id
         WHERE c.client_id = i.client_id AND c.is_unused = 0) AS last_activity,
       (SELECT COUNT(*)
          FROM conversations c
         WHERE c.client_id = i.client_id AND c.is_unused = 0) AS conversation_count
  FROM identities i
 ORDER BY (last_activity IS NULL) ASC, last_activity DESC
`

// Query returns every identity ordered most-recently-active first, with
// never-active identities last.
func (r *Ranking) Query() ([]*ActivityRecord, error) {
	var records []*ActivityRecord
	err := r.db.RunReadOnly("activity ranking", func() error {
		var rows []*activityRow
		if err := r.db.Tx.Select(&rows, rankingQuery); err != nil {
			return err
		}
		records = make([]*ActivityRecord, len(rows))
		for i, row := range rows {
			rec := &ActivityRecord{
				ClientID:          ids.IDFromBytes(row.ClientID),
				InboxID:           ids.IDFromBytes(row.InboxID),
				ConversationCount: row.ConversationCount,
			}
			if row.LastActivity.Valid {
				ts := uint64(row.LastActivity.Int64)
				rec.LastActivity = &ts
			}
			records[i] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
