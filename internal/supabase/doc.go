// Package supabase provides the Supabase-backed collaborators of the
// ingestion server: the patient directory, a session metadata repository
// and an optional archive of accepted chunk payloads in Supabase Storage.
package supabase
