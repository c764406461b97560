// Package contextpipe assembles the prompt for each turn. Registered
// injectors contribute fragments in three ordered phases (stable system
// content, per-session user context, per-turn runtime state), each capped by
// a token budget. The package also owns the two history transformations that
// run before assembly: compression of oversized tool results into scratchpad
// references, and progressive decay of old turns into folded one-liners and
// a rolling summary.
//
// Injectors are pure functions of an explicit Input bundle. The pipeline
// never mutates the history it is given; transformations operate on a
// cloned view, so persisted history stays verbatim.
package contextpipe
