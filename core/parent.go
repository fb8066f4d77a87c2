package core

// PushParent adds ancestor to the path of parent. If ancestor is already the
// parent, or is found in the path, only its execution id is refreshed.
func PushParent(parent *Parent, ancestor Ref) *Parent {
	if parent == nil {
		return &Parent{ID: ancestor.ID, Type: ancestor.Type, ExecutionID: ancestor.ExecutionID}
	}
	clone := parent.Clone()
	if clone.ID == ancestor.ID {
		if ancestor.ExecutionID != "" {
			clone.ExecutionID = ancestor.ExecutionID
		}
		return clone
	}
	for i := range clone.Path {
		if clone.Path[i].ID == ancestor.ID {
			if ancestor.ExecutionID != "" {
				clone.Path[i].ExecutionID = ancestor.ExecutionID
			}
			return clone
		}
	}
	clone.Path = append(clone.Path, Ref{ID: ancestor.ID, Type: ancestor.Type, ExecutionID: ancestor.ExecutionID})
	return clone
}

// ShiftParent promotes the closest ancestor to parent. It returns nil when
// the parent has no ancestors.
func ShiftParent(parent *Parent) *Parent {
	if parent == nil || len(parent.Path) == 0 {
		return nil
	}
	clone := parent.Clone()
	first := clone.Path[0]
	clone.ID = first.ID
	clone.Type = first.Type
	clone.ExecutionID = first.ExecutionID
	clone.Path = clone.Path[1:]
	if len(clone.Path) == 0 {
		clone.Path = nil
	}
	return clone
}

// UnshiftParent makes adopting the new parent and moves the current parent
// first in the path.
func UnshiftParent(parent *Parent, adopting Ref) *Parent {
	if parent == nil {
		return &Parent{ID: adopting.ID, Type: adopting.Type, ExecutionID: adopting.ExecutionID}
	}
	clone := parent.Clone()
	if clone.ID == adopting.ID {
		if adopting.ExecutionID != "" {
			clone.ExecutionID = adopting.ExecutionID
		}
		return clone
	}
	path := make([]Ref, 0, len(clone.Path)+1)
	path = append(path, Ref{ID: clone.ID, Type: clone.Type, ExecutionID: clone.ExecutionID})
	clone.Path = append(path, clone.Path...)
	clone.ID = adopting.ID
	clone.Type = adopting.Type
	clone.ExecutionID = adopting.ExecutionID
	return clone
}

// Lineage returns the parent id followed by every ancestor id, closest first.
func (p *Parent) Lineage() []string {
	if p == nil {
		return nil
	}
	ids := make([]string, 0, len(p.Path)+1)
	ids = append(ids, p.ID)
	for _, r := range p.Path {
		ids = append(ids, r.ID)
	}
	return ids
}
