package genesis

// Status is a point-in-time snapshot of the engine for observers.
type Status struct {
	State          string   `json:"state"`
	IdentityID     string   `json:"identity_id"`
	Awakenings     int      `json:"awakenings"`
	Active         []string `json:"active"`
	Running        []string `json:"running"`
	GoalsTotal     int      `json:"goals_total"`
	GoalsSatisfied int      `json:"goals_satisfied"`
	OpenCircuits   []string `json:"open_circuits"`
	EvolutionCount int      `json:"evolution_count"`
	TotalFailures  int      `json:"total_failures"`
}

// Status snapshots the engine. Safe to call from any goroutine for
// display purposes; the slices are copies.
func (g *Genesis) Status() Status {
	st := Status{State: g.State().String()}
	if g.identity != nil {
		st.IdentityID = g.identity.ID
		st.Awakenings = g.identity.Awakenings
	}
	if g.d != nil {
		st.Active = append([]string(nil), g.d.Active...)
		st.GoalsTotal = len(g.d.Goals)
		for _, goal := range g.d.Goals {
			if goal.Satisfied {
				st.GoalsSatisfied++
			}
		}
		st.OpenCircuits = g.d.OpenCircuits()
		st.EvolutionCount = g.d.Meta.EvolutionCount
		st.TotalFailures = g.d.Meta.TotalFailures
	}
	st.Running = g.asm.Running()
	return st
}
