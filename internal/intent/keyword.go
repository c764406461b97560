package intent

import (
	"strings"

	"github.com/petrelhq/petrel/pkg/models"
)

// stopPhrases short-circuit the executor; they are checked before any cache
// or model layer so a "stop" never waits on classification.
var stopPhrases = []string{
	"stop", "cancel", "abort", "halt", "never mind", "nevermind",
	"stop it", "cancel that", "forget it",
}

var rollbackPhrases = []string{
	"rollback", "roll back", "undo that", "undo the changes", "revert",
	"restore the snapshot", "go back to before",
}

// greetings are answered without memory recall or skill loading.
var greetings = []string{
	"hi", "hello", "hey", "yo", "good morning", "good afternoon",
	"good evening", "thanks", "thank you", "ok", "okay", "cool",
}

// followUpOpeners mark turns that lean on prior context.
var followUpOpeners = []string{
	"and ", "also ", "what about", "how about", "then ", "same for",
	"do the same", "continue", "keep going", "next",
}

// complexMarkers push a turn into the complex bucket.
var complexMarkers = []string{
	"step by step", "plan", "refactor", "migrate", "implement",
	"investigate", "debug", "analyze", "analyse", "benchmark",
	"end to end", "architecture", "design a", "build a", "write a script",
}

// groupKeywords maps skill groups to trigger words. Groups mirror the tag
// vocabulary skills declare; unknown groups simply never match a
// capability tag downstream.
var groupKeywords = map[string][]string{
	"coding":        {"code", "function", "bug", "compile", "script", "refactor", "test", "golang", "python", "error message"},
	"writing":       {"write", "draft", "essay", "blog", "email", "summarize", "summarise", "rewrite", "proofread"},
	"research":      {"search", "find out", "look up", "research", "latest", "news", "compare", "sources"},
	"data_analysis": {"csv", "dataset", "chart", "plot", "average", "statistics", "correlation", "spreadsheet"},
	"files":         {"file", "directory", "folder", "read the", "save to", "rename", "delete the"},
	"shell":         {"run", "command", "terminal", "install", "execute"},
}

// matchesPhrase reports whether text equals the phrase or starts with it at
// a word boundary.
func matchesPhrase(text, phrase string) bool {
	if text == phrase {
		return true
	}
	return strings.HasPrefix(text, phrase+" ") || strings.HasPrefix(text, phrase+",") ||
		strings.HasPrefix(text, phrase+".") || strings.HasPrefix(text, phrase+"!")
}

func anyPhrase(text string, phrases []string) bool {
	for _, p := range phrases {
		if matchesPhrase(text, p) {
			return true
		}
	}
	return false
}

func anyContains(text string, subs []string) bool {
	for _, s := range subs {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// DetectSignals finds stop and rollback commands in the turn text. These
// run before everything else.
func DetectSignals(text string) (wantsToStop, wantsRollback bool) {
	norm := normalize(text)
	return anyPhrase(norm, stopPhrases), anyPhrase(norm, rollbackPhrases)
}

// ClassifyKeywords is the last-resort layer: pure heuristics over the turn
// text. It always returns a usable result.
func ClassifyKeywords(text string) models.IntentResult {
	norm := normalize(text)
	result := models.IntentResult{
		Complexity: models.ComplexityMedium,
		Source:     models.IntentSourceKeyword,
	}

	result.WantsToStop, result.WantsRollback = DetectSignals(text)
	result.IsFollowUp = anyPhrase(norm, followUpOpeners)

	for group, words := range groupKeywords {
		if anyContains(norm, words) {
			result.SkillGroups = append(result.SkillGroups, group)
		}
	}
	sortGroups(result.SkillGroups)

	switch {
	case anyPhrase(norm, greetings) && len(norm) < 40:
		result.Complexity = models.ComplexitySimple
		result.SkipMemory = true
		result.SkillGroups = nil
	case anyContains(norm, complexMarkers) || len(norm) > 400 || len(result.SkillGroups) >= 3:
		result.Complexity = models.ComplexityComplex
	case len(norm) < 60 && len(result.SkillGroups) == 0:
		result.Complexity = models.ComplexitySimple
	}

	return result
}

func sortGroups(groups []string) {
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && groups[j] < groups[j-1]; j-- {
			groups[j], groups[j-1] = groups[j-1], groups[j]
		}
	}
}
