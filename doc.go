// Package pgbridge embeds a guest language runtime in a PostgreSQL backend
// process.
/*
pgbridge is the host side of a procedural language handler: it owns the single
guest runtime for the backend process, mediates every crossing between server
code and guest code, and keeps the two resource models honest about who frees
what.

The packages divide along the seams of that job:

	gate      the thread and call gate guarding re-entry into server code
	invoke    the per-call invocation frame stack
	dualstate dual-ownership resource records and guest-side pins
	pgmem     memory contexts and resource owners
	coerce    datum/guest value conversion
	fncache   function resolution and the descriptor cache
	spi       the SPI surface exposed to guest code
	elog      server error data and wire encoding
	guest     the guest runtime contract

This package ties them together: Backend carries the staged initialization
state machine, CallHandler is the entry point a call manager dispatches to,
and Config/ParseConfig handle settings.

Logging

pgbridge defines a simple logger interface. Adapters for common logging
libraries are provided in the log directory.
*/
package pgbridge
