package txn

// BranchStatus is the transaction manager's view of the branch
// registry: writes to Closed branches must fail with a
// ConstraintViolation.
// pkg/branch implements this; the manager depends only on the
// interface to avoid an import cycle with pkg/branch, which itself
// imports this package for the Record and Appender types it uses to
// append branch identity records to the WAL before applying them to
// the store directly, outside the Manager's commit protocol.
type BranchStatus interface {
	// Active reports whether branchID names a branch in the Active
	// state. ok is false if no such branch exists at all.
	Active(branchID string) (active bool, ok bool)
}

// AllowAllBranches is a BranchStatus that treats every branch ID as
// active; used by tests that exercise the transaction manager without
// wiring pkg/branch.
type AllowAllBranches struct{}

func (AllowAllBranches) Active(string) (bool, bool) { return true, true }
