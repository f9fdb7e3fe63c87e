package billing

// =============================================================================
// STATUS POLICY - Contract status x due-date position -> entry status
// =============================================================================

// DuePosition places an entry's due date relative to today.
type DuePosition string

const (
	DuePast    DuePosition = "past"    // strictly before today
	DueCurrent DuePosition = "current" // today or later
)

// PositionOf classifies a due date against today.
func PositionOf(due, today Date) DuePosition {
	if due.Before(today) {
		return DuePast
	}
	return DueCurrent
}

// StatusPolicy maps a contract status and a due-date position to the status
// a ledger entry should carry. It is used both when entries are created and
// when a contract changes status.
type StatusPolicy map[ContractStatus]map[DuePosition]EntryStatus

// DefaultStatusPolicy is the policy in effect for every contract type.
//
// Paused contracts send overdue entries back to pending. This mirrors how the
// CRM has always behaved and is pending product confirmation.
func DefaultStatusPolicy() StatusPolicy {
	return StatusPolicy{
		ContractActive: {
			DuePast:    EntryPending,
			DueCurrent: EntryPending,
		},
		ContractPaused: {
			DuePast:    EntryPending,
			DueCurrent: EntryPending,
		},
		ContractCanceled: {
			DuePast:    EntryCanceled,
			DueCurrent: EntryCanceled,
		},
		ContractFinished: {
			DuePast:    EntryOverdue,
			DueCurrent: EntryPending,
		},
	}
}

// Resolve returns the entry status for a contract status and position.
// Statuses the policy does not know resolve to pending.
func (p StatusPolicy) Resolve(status ContractStatus, pos DuePosition) EntryStatus {
	if byPos, ok := p[status]; ok {
		if s, ok := byPos[pos]; ok {
			return s
		}
	}
	return EntryPending
}

// Uniform reports whether the contract status maps every position to the
// same entry status, in which case a single bulk update is enough.
func (p StatusPolicy) Uniform(status ContractStatus) (EntryStatus, bool) {
	past := p.Resolve(status, DuePast)
	current := p.Resolve(status, DueCurrent)
	return past, past == current
}

// StatusFor resolves the status of an entry due on the given date.
func (p StatusPolicy) StatusFor(status ContractStatus, due, today Date) EntryStatus {
	return p.Resolve(status, PositionOf(due, today))
}
