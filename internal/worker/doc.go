// Package worker runs one execution of a monitor script.
//
// An execution loads the script, starts its first thread and releases all
// threads together once every created thread is waiting at the start barrier.
// Threads may start further threads while running. A heartbeat goes out every
// heartbeat interval until the threads finish or a shutdown arrives, then the
// accumulated statistics are sent as the final message of the execution.
package worker
