package record

// Clone returns a deep copy that shares no pointers or slices with r.
// Merging an empty record into r already produces a fully detached tree.
func (r *Record) Clone() *Record {
	if r == nil {
		return New()
	}
	return Merge(r, nil)
}
