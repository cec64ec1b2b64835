// Package session is the registry of live connections. It maps a user to every
// connection that user currently holds open, tracks per-connection activity and
// chat subscriptions, and reports a user's transitions between having zero and
// at least one connection.
package session
