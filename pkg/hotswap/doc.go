// Package hotswap replaces service code inside running workers.
//
// A swap compiles the new source, installs it in the namespace table, loads
// it into the live worker without dropping the mailbox or Lua state, and arms
// a watchdog. If the service crashes inside the rollback window the watchdog
// reinstates the previous module; a window that closes quietly makes the swap
// final. Replace is the blunt alternative: kill the worker, deploy fresh.
package hotswap
