// Package intent classifies incoming user turns into complexity, skill
// groups and behavioural signals. Four layers answer in order: an exact
// cache over the normalized turn text, a trigram near-duplicate cache, a
// bounded small-model call, and a keyword fallback that cannot fail. Stop
// and rollback commands are detected before any cache lookup so they
// short-circuit the executor without consuming a turn.
package intent
