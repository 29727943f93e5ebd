package supabase

import _ "embed"

// Schema is the PostgreSQL DDL the Store expects, including the
// increment_xp_conditional function.
//
//go:embed schema.sql
var Schema string
