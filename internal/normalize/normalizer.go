// Package normalize maps retailer attribute values onto the canonical
// option strings of the attribute vocabulary.
//
// Matching is a bag-of-characters vote: every canonical option is scored
// by how many distinct characters it shares with the raw value and the
// best scoring option wins. It is deliberately approximate.
package normalize

import (
	"github.com/productmatch/backend/internal/vocabulary"
)

// Normalizer resolves raw values against a vocabulary.
type Normalizer struct {
	vocab *vocabulary.Vocabulary
}

// New creates a normalizer over vocab. A nil vocabulary normalizes nothing.
func New(vocab *vocabulary.Vocabulary) *Normalizer {
	return &Normalizer{vocab: vocab}
}

// Normalize returns the canonical option for rawValue, or rawValue itself
// when the attribute is unknown or no option shares a character with it.
func (n *Normalizer) Normalize(category, featureName, rawValue string) string {
	value, _ := n.Matched(category, featureName, rawValue)
	return value
}

// Matched is Normalize, additionally reporting whether an option was chosen.
// A false result means normalization was skipped and the raw value passed through.
func (n *Normalizer) Matched(category, featureName, rawValue string) (string, bool) {
	if category == "" || featureName == "" || rawValue == "" {
		return rawValue, false
	}
	attr, ok := n.vocab.Attribute(category, featureName)
	if !ok || len(attr.Options) == 0 {
		return rawValue, false
	}
	return UniqueMatchingOption(attr.Options, rawValue)
}

// Options returns the canonical options of an attribute.
func (n *Normalizer) Options(category, featureName string) []string {
	attr, ok := n.vocab.Attribute(category, featureName)
	if !ok {
		return nil
	}
	return attr.Options
}

// IsBoolean reports whether the attribute is a yes/no attribute.
func (n *Normalizer) IsBoolean(category, featureName string) bool {
	attr, ok := n.vocab.Attribute(category, featureName)
	return ok && attr.IsBoolean()
}

// IsNumeric reports whether every option of the attribute is numeric.
func (n *Normalizer) IsNumeric(category, featureName string) bool {
	attr, ok := n.vocab.Attribute(category, featureName)
	return ok && attr.IsNumeric()
}

// UniqueMatchingOption scores each option by the number of distinct
// characters it shares with raw (case-sensitive) and returns the option
// with the highest score.
//
// A score holds at most one option: when options tie, the first one
// registered keeps the score and the others are dropped. This is the
// long-standing behaviour and is kept as is.
func UniqueMatchingOption(options []string, raw string) (string, bool) {
	rawChars := charSet(raw)

	buckets := make(map[int]string, len(options))
	best := 0
	for _, opt := range options {
		score := 0
		for r := range charSet(opt) {
			if _, ok := rawChars[r]; ok {
				score++
			}
		}
		if score == 0 {
			continue
		}
		if _, taken := buckets[score]; taken {
			// tie: first registered option keeps the bucket
			continue
		}
		buckets[score] = opt
		if score > best {
			best = score
		}
	}

	if best == 0 {
		return raw, false
	}
	return buckets[best], true
}

func charSet(s string) map[rune]struct{} {
	set := make(map[rune]struct{}, len(s))
	for _, r := range s {
		set[r] = struct{}{}
	}
	return set
}
