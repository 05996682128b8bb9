package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid flat keys in the config file.
var knownKeys = map[string]bool{
	// Gateway settings
	"base_url": true, "username": true, "password": true, "password_file": true, "default_pod": true,
	// Transfer settings
	"chunk_size": true, "parallel_downloads": true, "parallel_uploads": true,
	"bandwidth_limit": true, "download_dir": true,
	// Logging settings
	"log_level": true, "log_format": true,
	// Network settings
	"connect_timeout": true, "request_timeout": true, "user_agent": true,
}

// knownKeysList is the sorted slice form of knownKeys, for deterministic
// suggestions when two candidates have the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		errs = append(errs, buildKeyError(key))
	}

	return errors.Join(errs...)
}

// buildKeyError describes an unknown key, suggesting the closest known key.
// Keys inside a table are matched by their leaf name, since all settings
// are top-level.
func buildKeyError(key toml.Key) error {
	fieldName := key[len(key)-1]

	suggestion := closestMatch(fieldName, knownKeysList)

	switch {
	case len(key) > 1 && knownKeys[fieldName]:
		return fmt.Errorf("config key %q must be at top level, not in [%s]",
			fieldName, strings.Join(key[:len(key)-1], "."))
	case suggestion != "":
		return fmt.Errorf("unknown config key %q, did you mean %q?", key.String(), suggestion)
	default:
		return fmt.Errorf("unknown config key %q", key.String())
	}
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization: two rows instead of a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
