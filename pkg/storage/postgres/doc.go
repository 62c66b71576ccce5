// Package postgres implements storage.Store on PostgreSQL via lib/pq.
//
// Writes go to the primary. ListSessions is served by a read replica when one
// is configured, so a session opened a moment earlier may not yet be listed.
//
//	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
//		PrimaryURL:  "postgres://auth@db:5432/campus?sslmode=disable",
//		ReplicaURLs: postgres.ParseReplicaURLs(os.Getenv("CAMPUSAUTH_POSTGRES_REPLICA_URLS")),
//		MaxConns:    20,
//		MinConns:    2,
//		Timeout:     10 * time.Second,
//	})
//	store := postgres.NewStore(cm)
//	if err := store.EnsureSchema(ctx); err != nil { ... }
//
// MarkRefreshTokenUsed is a single conditional UPDATE, so exactly one of any
// number of concurrent callers observes the transition. Integration tests run
// against a real server with:
//
//	go test -tags integration ./pkg/storage/postgres/...
package postgres
