// Package testdb starts throwaway Postgres and Redis containers for
// integration tests (build tag "integration").
package testdb
