// Package storage keeps an optional audit of every channel step
// (sent, skipped, failed, forbidden) so operators can review past passes.
package storage
