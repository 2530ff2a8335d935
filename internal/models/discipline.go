package models

import (
	"strings"
)

// Discipline is the construction discipline a document or chunk is tagged with.
type Discipline string

const (
	DisciplineNone          Discipline = ""
	DisciplineArchitectural Discipline = "architectural"
	DisciplineStructural    Discipline = "structural"
	DisciplineMechanical    Discipline = "mechanical"
	DisciplineElectrical    Discipline = "electrical"
	DisciplinePlumbing      Discipline = "plumbing"
	DisciplineCivil         Discipline = "civil"
	DisciplineLandscaping   Discipline = "landscaping"
	DisciplineInterior      Discipline = "interior"
	DisciplineFireSafety    Discipline = "fire_safety"
	DisciplineGeneral       Discipline = "general"
	DisciplineOther         Discipline = "other"
)

var knownDisciplines = map[Discipline]struct{}{
	DisciplineArchitectural: {},
	DisciplineStructural:    {},
	DisciplineMechanical:    {},
	DisciplineElectrical:    {},
	DisciplinePlumbing:      {},
	DisciplineCivil:         {},
	DisciplineLandscaping:   {},
	DisciplineInterior:      {},
	DisciplineFireSafety:    {},
	DisciplineGeneral:       {},
	DisciplineOther:         {},
}

// legacyDisciplines maps free-text tags found in older uploads onto the enum.
var legacyDisciplines = map[string]Discipline{
	"arch":            DisciplineArchitectural,
	"architecture":    DisciplineArchitectural,
	"architect":       DisciplineArchitectural,
	"struct":          DisciplineStructural,
	"structure":       DisciplineStructural,
	"engineering":     DisciplineStructural,
	"m&e":             DisciplineMechanical,
	"mep":             DisciplineMechanical,
	"hvac":            DisciplineMechanical,
	"heating":         DisciplineMechanical,
	"ventilation":     DisciplineMechanical,
	"elec":            DisciplineElectrical,
	"electric":        DisciplineElectrical,
	"lighting":        DisciplineElectrical,
	"plumbing":        DisciplinePlumbing,
	"drainage":        DisciplinePlumbing,
	"water":           DisciplinePlumbing,
	"civils":          DisciplineCivil,
	"groundworks":     DisciplineCivil,
	"landscape":       DisciplineLandscaping,
	"garden":          DisciplineLandscaping,
	"interiors":       DisciplineInterior,
	"finishes":        DisciplineInterior,
	"kitchen":         DisciplineInterior,
	"fire":            DisciplineFireSafety,
	"fire safety":     DisciplineFireSafety,
	"fire-safety":     DisciplineFireSafety,
	"handover":        DisciplineGeneral,
	"homeowner guide": DisciplineGeneral,
}

// ParseDiscipline maps a stored or legacy free-text tag to a Discipline.
// Empty input yields DisciplineNone; anything unrecognised yields DisciplineOther.
func ParseDiscipline(s string) Discipline {
	key := strings.ToLower(strings.Join(strings.Fields(s), " "))
	if key == "" {
		return DisciplineNone
	}
	if d := Discipline(strings.ReplaceAll(key, " ", "_")); d.Valid() {
		return d
	}
	if d, ok := legacyDisciplines[key]; ok {
		return d
	}
	return DisciplineOther
}

// Valid reports whether d is one of the enumerated disciplines.
func (d Discipline) Valid() bool {
	_, ok := knownDisciplines[d]
	return ok
}
