// Package kvcb implements the configuration backend contract on top of a
// minimal key-value Store. The memfile, redis and bolt backends are thin
// Store implementations wired into Backend.
//
// Records are encoded with msgpack and grouped by domain. Data constraints
// (server references, cascading server deletes) are enforced by Backend
// itself, so every Store behaves identically. Every write runs inside
// Store.Update, which keeps the check and the write atomic when several
// backends share one store.
package kvcb
