package common

// Journal records undo steps for a multi-step mutation so a failure at any
// step restores every component to its pre-call state. It is not safe for
// concurrent use; the owner serialises access.
type Journal struct {
	undo []func()
}

// Record appends an undo step.
func (j *Journal) Record(undo func()) {
	if j == nil || undo == nil {
		return
	}
	j.undo = append(j.undo, undo)
}

// Len returns the number of recorded steps.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	return len(j.undo)
}

// Revert applies the recorded steps in reverse order and clears the journal.
func (j *Journal) Revert() {
	if j == nil {
		return
	}
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:0]
}

// Commit discards the recorded steps.
func (j *Journal) Commit() {
	if j == nil {
		return
	}
	j.undo = j.undo[:0]
}
