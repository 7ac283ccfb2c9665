// Package workflow runs the reproduction pipeline as a graph of nodes.
//
// Each node reads the state document, calls at most one collaborator, applies
// the patch, and returns a verdict token. The next node is looked up in a
// routing table keyed by (node, verdict). The table is data: NewGraph checks
// that it is total before any node runs, so an unmapped verdict is a
// construction error rather than a runtime fallthrough.
//
// Review loops are ordinary edges. The node that observes a failed review
// records the revision with the limiter before returning needs_revision, and
// returns limit_reached instead once the ceiling is reached, so no path can
// loop past a ceiling.
//
// ASK_USER is the only suspend point. The engine saves a checkpoint, marks
// the document as awaiting input, and returns. Resume validates the answers
// and continues at the ASK_USER -> SUPERVISOR edge.
package workflow
