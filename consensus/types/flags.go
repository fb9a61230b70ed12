package types

import "strings"

// StateFlags is the set of round flags of the local node.
//
// Legal combinations:
//   - exactly one of Primary or Backup for a validator, neither for an observer;
//   - RequestSent only with Primary, RequestReceived and ResponseSent only with Backup;
//   - CommitSent implies RequestSent or RequestReceived;
//   - BlockSent implies the commit quorum was reached;
//   - ViewChanging may overlay any set without BlockSent and is cleared when
//     the view advances.
type StateFlags uint8

const (
	FlagPrimary StateFlags = 1 << iota
	FlagBackup
	FlagRequestSent
	FlagRequestReceived
	FlagResponseSent
	FlagCommitSent
	FlagBlockSent
	FlagViewChanging
)

var flagNames = []struct {
	flag StateFlags
	name string
}{
	{FlagPrimary, "Primary"},
	{FlagBackup, "Backup"},
	{FlagRequestSent, "RequestSent"},
	{FlagRequestReceived, "RequestReceived"},
	{FlagResponseSent, "ResponseSent"},
	{FlagCommitSent, "CommitSent"},
	{FlagBlockSent, "BlockSent"},
	{FlagViewChanging, "ViewChanging"},
}

func (f StateFlags) Has(flag StateFlags) bool {
	return f&flag == flag
}

func (f *StateFlags) Set(flag StateFlags) {
	*f |= flag
}

func (f *StateFlags) Clear(flag StateFlags) {
	*f &^= flag
}

func (f StateFlags) String() string {
	if f == 0 {
		return "Initial"
	}
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}

//-----------------------------------------------------------------------------
// RoundStepType enum type

// RoundStepType is the canonical phase derived from the flags.
type RoundStepType uint8

const (
	RoundStepIdle      = RoundStepType(0x01) // observer, or no committee loaded
	RoundStepInitial   = RoundStepType(0x02) // role assigned, nothing proposed yet
	RoundStepRequest   = RoundStepType(0x03) // proposal sent or received
	RoundStepPrepare   = RoundStepType(0x04) // own preparation sent
	RoundStepCommit    = RoundStepType(0x05) // commit sent
	RoundStepFinalized = RoundStepType(0x06) // block assembled
)

func (rs RoundStepType) String() string {
	switch rs {
	case RoundStepIdle:
		return "RoundStepIdle"
	case RoundStepInitial:
		return "RoundStepInitial"
	case RoundStepRequest:
		return "RoundStepRequest"
	case RoundStepPrepare:
		return "RoundStepPrepare"
	case RoundStepCommit:
		return "RoundStepCommit"
	case RoundStepFinalized:
		return "RoundStepFinalized"
	default:
		return "RoundStepUnknown"
	}
}

// Step maps the flag set onto the canonical phase.
func (f StateFlags) Step() RoundStepType {
	switch {
	case f.Has(FlagBlockSent):
		return RoundStepFinalized
	case f.Has(FlagCommitSent):
		return RoundStepCommit
	case f.Has(FlagResponseSent):
		return RoundStepPrepare
	case f.Has(FlagRequestSent), f.Has(FlagRequestReceived):
		return RoundStepRequest
	case f.Has(FlagPrimary), f.Has(FlagBackup):
		return RoundStepInitial
	default:
		return RoundStepIdle
	}
}
