// Package workspace maps workspace ids to a signed-in user's components:
// credential backend, session guard, simulation controller and sandbox
// renderer. The quota ledger and generation client are shared.
//
// Each workspace runs a background session monitor until it is signed out,
// swept after an idle period, or the manager closes.
package workspace
