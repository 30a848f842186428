package tcg

import "github.com/colorfulnotion/dbt/ir"

// liveness is computed once per unit. A region runs from one set_label to
// the next; the allocator state is reset at every region start.
type liveness struct {
	lastUse []int
	// cross marks locals referenced from more than one region. Their home
	// is a spill slot and they are written back at every region exit.
	cross []bool
}

func analyze(u *ir.Unit) *liveness {
	n := u.NumTemps()
	l := &liveness{lastUse: make([]int, n), cross: make([]bool, n)}
	region := make([]int, n)
	for i := range region {
		region[i] = -1
		l.lastUse[i] = -1
	}
	cur := 0
	for i := range u.Ops {
		op := &u.Ops[i]
		if op.Code == ir.OpSetLabel {
			cur++
		}
		visit := func(t ir.Temp) {
			l.lastUse[t] = i
			if u.Info(t).Kind != ir.KindLocal {
				return
			}
			if region[t] >= 0 && region[t] != cur {
				l.cross[t] = true
			}
			region[t] = cur
		}
		for _, t := range op.Ins {
			visit(t)
		}
		for _, t := range op.Outs {
			visit(t)
		}
	}
	return l
}

// dies reports that t is not needed after op i.
func (l *liveness) dies(u *ir.Unit, t ir.Temp, i int) bool {
	switch u.Info(t).Kind {
	case ir.KindGlobal:
		return false
	case ir.KindConst:
		return l.lastUse[t] == i
	}
	return !l.cross[t] && l.lastUse[t] == i
}
