package updater

import "math/rand/v2"

const (
	branchSuffixLen   = 8
	branchSuffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// BranchName returns prefix followed by a random suffix of lowercase
// letters and digits.
func BranchName(prefix string) string {
	suffix := make([]byte, branchSuffixLen)
	for i := range suffix {
		suffix[i] = branchSuffixChars[rand.IntN(len(branchSuffixChars))]
	}

	return prefix + string(suffix)
}
