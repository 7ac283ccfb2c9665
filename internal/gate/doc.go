// Package gate decides whether a stage's prerequisite validation tier has
// been satisfied.
//
// The tier order is MATERIAL_VALIDATION, SINGLE_STRUCTURE, ARRAY_SYSTEM,
// PARAMETER_SWEEP, COMPLEX_PHYSICS. Tiers the plan does not contain are
// vacuously satisfied: a stage requires the flag of the nearest tier below
// it that the plan actually has. Material validation is never skipped, so a
// plan without a MATERIAL_VALIDATION stage keeps every other stage gated.
//
// Every function here is pure. The scheduler is the only caller that acts on
// the answer.
package gate
