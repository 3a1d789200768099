package db

import "fmt"

// Schema lists the statements Migrate runs, in order.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id text PRIMARY KEY,
		customer_id text,
		customer_name text,
		admin_id text,
		admin_name text,
		subject text,
		status text,
		created_at timestamp,
		updated_at timestamp
	)`,
	`CREATE INDEX IF NOT EXISTS conversations_by_customer ON conversations (customer_id)`,
	`CREATE INDEX IF NOT EXISTS conversations_by_admin ON conversations (admin_id)`,
	`CREATE INDEX IF NOT EXISTS conversations_by_status ON conversations (status)`,
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		id bigint,
		sender_id text,
		sender_type text,
		sender_name text,
		content text,
		sent_at timestamp,
		is_read boolean,
		client_id text,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id ASC)`,
	`CREATE TABLE IF NOT EXISTS message_client_ids (
		conversation_id text,
		client_id text,
		PRIMARY KEY (conversation_id, client_id)
	)`,
}

var tables = []string{"message_client_ids", "messages", "conversations"}

func Migrate(s *Session) error {
	for _, stmt := range Schema {
		if err := s.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Drop removes every table Migrate creates.
func Drop(s *Session) error {
	for _, t := range tables {
		if err := s.Query("DROP TABLE IF EXISTS " + t).Exec(); err != nil {
			return fmt.Errorf("drop %s: %w", t, err)
		}
	}
	return nil
}
