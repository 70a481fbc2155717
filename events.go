package fiberio

import "strings"

// Events is the event-mask bitset shared by every backend and exposed as
// part of the public surface (§3, §6 of the spec this package implements).
//
// ERROR and HANGUP are never requested explicitly by callers; backends fold
// them into READABLE on readiness so a hang-up is observable without every
// caller having to ask for it.
type Events uint32

const (
	Readable Events = 1 << iota
	Priority
	Writable
	Error
	Hangup
	Exit
)

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	var b strings.Builder
	for mask, name := range map[Events]string{
		Readable: "readable",
		Priority: "priority",
		Writable: "writable",
		Error:    "error",
		Hangup:   "hangup",
		Exit:     "exit",
	} {
		if e&mask != 0 {
			if b.Len() > 0 {
				b.WriteByte('|')
			}
			b.WriteString(name)
		}
	}
	return b.String()
}

// Has reports whether all bits in want are set in e.
func (e Events) Has(want Events) bool { return e&want == want }

// Intersects reports whether e and other share any bit.
func (e Events) Intersects(other Events) bool { return e&other != 0 }
