// Package migrations embeds the SQL migrations that define the chat
// history schema (agents, conversations, messages, attachments).
package migrations

import "embed"

// FS is the embedded migration source consumed by golang-migrate.
//
//go:embed *.sql
var FS embed.FS
