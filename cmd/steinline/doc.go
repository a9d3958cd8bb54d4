// Package main hosts the steinline CLI entrypoint and command graph.
//
// The Cobra-based command tree loads configuration, opens the content store
// and hands the scan and reason stages to the workflow manager. Stage
// commands print pipeline events as status lines, translate SIGINT/SIGTERM
// into a cooperative stop and, on unix, SIGUSR1 into a pause toggle.
//
// Keep this package lean: add behaviour to the internal packages first and
// surface it here through dedicated commands or flags.
package main
