package gate

import (
	"fmt"

	"github.com/Iron-Ham/paperrepro/internal/state"
)

// Required returns the hierarchy flag a stage needs before it may run. The
// second result is false for MATERIAL_VALIDATION, which needs nothing.
func Required(stage *state.Stage, plan []state.Stage) (string, bool) {
	tier := stage.Type.Tier()
	if tier <= 0 {
		return "", false
	}
	types := state.StageTypes()
	// Walk down to the nearest present tier above material.
	for t := tier - 1; t > 0; t-- {
		if state.HasStageType(plan, types[t]) {
			flag, _ := state.FlagFor(types[t])
			return flag, true
		}
	}
	return state.FlagMaterial, true
}

// Allowed reports whether the stage's prerequisite tier is validated.
func Allowed(stage *state.Stage, plan []state.Stage, h state.Hierarchy) bool {
	if !stage.Type.Valid() {
		return false
	}
	flag, needed := Required(stage, plan)
	if !needed {
		return true
	}
	return h.Get(flag)
}

// Diagnose returns plan-level design errors that make stages permanently
// ungateable. The plan reviewer receives them as extra inputs.
func Diagnose(plan []state.Stage) []string {
	var problems []string
	if len(plan) > 0 && !state.HasStageType(plan, state.StageMaterialValidation) {
		problems = append(problems,
			"plan has no MATERIAL_VALIDATION stage; every other stage stays blocked until one is added")
	}
	for i := range plan {
		s := &plan[i]
		if s.Superseded {
			continue
		}
		flag, needed := Required(s, plan)
		if !needed {
			continue
		}
		if !producerBefore(plan, i, flag) {
			problems = append(problems,
				fmt.Sprintf("stage %s (%s) requires %s but no earlier stage can set it", s.ID, s.Type, flag))
		}
	}
	return problems
}

// producerBefore reports whether a stage before index i sets flag.
func producerBefore(plan []state.Stage, i int, flag string) bool {
	for j := 0; j < i; j++ {
		if plan[j].Superseded {
			continue
		}
		if f, ok := state.FlagFor(plan[j].Type); ok && f == flag {
			return true
		}
	}
	return false
}
