package commands

// Clone returns a fresh, unperformed copy of a write command so it can be
// applied elsewhere without sharing undo state. ok is false for commands that
// are never shipped to peers.
func Clone(cmd Command) (WriteCommand, bool) {
	switch c := cmd.(type) {
	case *PutKeyValue:
		return NewPutKeyValue(c.fqn, c.Key, c.Value), true
	case *PutForExternalRead:
		return NewPutForExternalRead(c.fqn, c.Key, c.Value), true
	case *PutDataMap:
		return NewPutDataMap(c.fqn, c.Data, c.Erase), true
	case *RemoveKey:
		return NewRemoveKey(c.fqn, c.Key), true
	case *ClearData:
		return NewClearData(c.fqn), true
	case *RemoveNode:
		return NewRemoveNode(c.fqn), true
	case *Invalidate:
		return NewInvalidate(c.fqn), true
	}
	return nil, false
}

// CloneAll clones every shippable command of cmds, in order.
func CloneAll(cmds []WriteCommand) []WriteCommand {
	out := make([]WriteCommand, 0, len(cmds))
	for _, c := range cmds {
		if cp, ok := Clone(c); ok {
			out = append(out, cp)
		}
	}
	return out
}
