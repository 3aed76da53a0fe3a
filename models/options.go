package models

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// questionSeed derive the per-question shuffle seed from the submission seed
func questionSeed(seed int64, questionID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(questionID))
	return seed ^ int64(h.Sum64())
}

/*
DisplayedOptionOrder compute the order in which choice options are shown on screen

	@param seed int64 - submission randomization seed
	@param questionID string - the question
	@param optionCount int - number of options
	@return canonical option index at each displayed position
*/
func DisplayedOptionOrder(seed int64, questionID string, optionCount int) []int {
	if optionCount <= 0 {
		return []int{}
	}
	rng := rand.New(rand.NewSource(questionSeed(seed, questionID)))
	return rng.Perm(optionCount)
}

/*
CanonicalOption map an option picked on screen back to the canonical option

	@param question CachedQuestion - the question
	@param seed int64 - submission randomization seed
	@param displayedIndex int - position of the picked option as displayed
	@return canonical option text
*/
func CanonicalOption(question CachedQuestion, seed int64, displayedIndex int) (string, error) {
	options, err := question.OptionList()
	if err != nil {
		return "", err
	}
	if displayedIndex < 0 || displayedIndex >= len(options) {
		return "", fmt.Errorf(
			"question %s has %d options, displayed index %d out of range",
			question.ID,
			len(options),
			displayedIndex,
		)
	}
	if !question.Randomize {
		return options[displayedIndex], nil
	}
	order := DisplayedOptionOrder(seed, question.ID, len(options))
	return options[order[displayedIndex]], nil
}
