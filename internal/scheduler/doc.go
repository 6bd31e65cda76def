// Package scheduler is hive's replicated task state machine.
//
// Every change to a task, assignment, validation or trust score is a
// command in the consensus log. Apply runs on every node in log order and
// is deterministic: the leader chooses ids and timestamps and writes them
// into the command, so all replicas end up with identical state.
//
// # Leader Loop
//
// While a node leads (and has applied its no-op for the term) it runs a
// tick every TickInterval:
//
//  1. time out assignments past their deadline and validations past theirs
//  2. requeue work held by failed, departed or blacklisted nodes
//  3. keep the validator roster in line with active membership
//  4. place pending tasks: first attempts through the partition strategy,
//     retries through the load balancer
//
// A placement that needs review reserves validators in the same command
// that assigns the task. Review is needed when the task asks for it, is a
// validation task, has priority above ValidationPriority, or lands on a
// node in a low trust tier.
//
// # Executors and Validators
//
// Applying an assignment for the local node queues an execute job; applying
// a result that names the local node as validator queues a validate job.
// Workers run the Executor and report back to the leader over the
// transport, retrying across leader changes. Reports the leader cannot use
// (stale assignment, wrong node) are rejected, and a report that never
// arrives is covered by the assignment timeout.
//
// # Failure Handling
//
// Failed, timed out and orphaned attempts go back to pending until the task
// has used MaxAttempts, then the task fails. Rejected validations fail the
// task outright and discard the result.
package scheduler
