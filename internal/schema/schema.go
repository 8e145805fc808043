// This package holds the durable schema shared by the identity, lifecycle and
// conversation subsystems. It is applied once when a burrow is opened.
package schema

import (
	"database/sql"

	db "github.com/burrow-im/go-burrow/internal/db"
	"github.com/burrow-im/go-burrow/migration"
)

func Migrations() []*migration.Migration {
	return []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE identities (
	client_id BLOB PRIMARY KEY,
	inbox_id BLOB NOT NULL,
	private_key BLOB NOT NULL,
	database_key BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE conversations (
	id BLOB PRIMARY KEY,
	inbox_id BLOB NOT NULL,
	client_id BLOB NOT NULL,
	metadata BLOB NOT NULL,
	metadata_version INTEGER NOT NULL DEFAULT 0,
	is_unused INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX conversations_client_id ON conversations (client_id);

CREATE TABLE messages (
	id BLOB PRIMARY KEY,
	conversation_id BLOB NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	received_at INTEGER NOT NULL,
	body BLOB NOT NULL
);
CREATE INDEX messages_conversation_received ON messages (conversation_id, received_at);

CREATE TABLE pending_invites (
	client_id BLOB PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE unused_identity (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	client_id BLOB NOT NULL
);
						`)
				return err
			},
		},
	}
}

func Apply(d *db.Database) error {
	return d.Migrate("_burrow", Migrations())
}

// ApplyNoLock is used by callers already holding the database lock.
func ApplyNoLock(d *db.Database) error {
	return d.MigrateNoLock("_burrow", Migrations())
}
