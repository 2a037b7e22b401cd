package util

// PadFunc pads a ragged batch of token-id rows to a common length with the
// given pad id, returning rectangular rows.
type PadFunc func(rows [][]int64, padID int64) [][]int64

// RightPadding pads every row on the right to the length of the longest row.
func RightPadding(rows [][]int64, padID int64) [][]int64 {
	width := maxRowLen(rows)
	padded := make([][]int64, len(rows))
	for i, row := range rows {
		out := make([]int64, width)
		copy(out, row)
		for j := len(row); j < width; j++ {
			out[j] = padID
		}
		padded[i] = out
	}
	return padded
}

// LeftPadding pads every row on the left to the length of the longest row.
func LeftPadding(rows [][]int64, padID int64) [][]int64 {
	width := maxRowLen(rows)
	padded := make([][]int64, len(rows))
	for i, row := range rows {
		out := make([]int64, width)
		offset := width - len(row)
		for j := 0; j < offset; j++ {
			out[j] = padID
		}
		copy(out[offset:], row)
		padded[i] = out
	}
	return padded
}

// PaddingFor returns the pad function for a padding side ("left" or
// "right"). Unknown sides fall back to right padding.
func PaddingFor(side string) PadFunc {
	if side == "left" {
		return LeftPadding
	}
	return RightPadding
}

func maxRowLen(rows [][]int64) int {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	return width
}
