// Package stage holds the cooperative pause/stop gate shared by the scanner
// and reasoner.
package stage
