package guacamole

import "strconv"

// Filter inspects a single instruction. It returns the instruction
// (possibly modified) to let it continue through the chain, nil with
// no error to silently drop it, or a *Failure to terminate the session.
type Filter func(Instruction) (Instruction, error)

// FilterChain applies a sequence of Filters left to right. The first
// Filter to drop or fail short-circuits the remaining ones.
type FilterChain []Filter

// Apply runs instr through every filter in order. ok is false if the
// instruction was dropped; err is non-nil (a *Failure) if a filter
// raised.
func (c FilterChain) Apply(instr Instruction) (out Instruction, ok bool, err error) {
	out = instr
	for _, f := range c {
		out, err = f(out)
		if err != nil {
			return nil, false, err
		}
		if out == nil {
			return nil, false, nil
		}
	}
	return out, true, nil
}

// ErrorFilter inspects instr for guacd's "error" opcode and raises the
// typed Failure mapped from its status code. Every other instruction
// passes through unchanged.
func ErrorFilter(instr Instruction) (Instruction, error) {
	if instr.Opcode() != "error" {
		return instr, nil
	}

	msg := "Unknown guacd error"
	if len(instr) > 1 {
		msg = instr[1]
	}

	code := 0
	if len(instr) > 2 {
		if n, err := strconv.Atoi(instr[2]); err == nil {
			code = n
		}
	}

	return nil, failureForGuacdStatus("guacd error: "+msg, code)
}
