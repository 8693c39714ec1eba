// Package simulation orchestrates one workspace's request cycle.
//
// A Controller gates every generation call on the session guard, checks the
// quota ledger before issuing it, commits usage for every response, and
// mounts only the artifact of the most recently issued request. Results of
// superseded requests are committed and then dropped.
//
// States: idle, loading, ready (artifact mounted), suggestion (the service
// asked for a clearer prompt) and error.
package simulation
