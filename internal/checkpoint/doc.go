// Package checkpoint persists the reasoner's advisory progress snapshot as a
// JSON document beside the intelligence database.
package checkpoint
