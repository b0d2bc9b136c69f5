package xmldiff

import "sort"

// LongestIncreasingSubsequence returns the indexes of a longest strictly
// increasing subsequence of sequence, in ascending order. Among subsequences of
// equal length the one ending on the smallest values is preferred.
func LongestIncreasingSubsequence(sequence []int) []int {
	if len(sequence) == 0 {
		return nil
	}
	tails := make([]int, 0, len(sequence))
	previous := make([]int, len(sequence))
	for index, value := range sequence {
		slot := sort.Search(len(tails), func(candidate int) bool {
			return sequence[tails[candidate]] >= value
		})
		if slot > 0 {
			previous[index] = tails[slot-1]
		} else {
			previous[index] = -1
		}
		if slot == len(tails) {
			tails = append(tails, index)
		} else {
			tails[slot] = index
		}
	}

	result := make([]int, len(tails))
	cursor := tails[len(tails)-1]
	for position := len(tails) - 1; position >= 0; position-- {
		result[position] = cursor
		cursor = previous[cursor]
	}
	return result
}
