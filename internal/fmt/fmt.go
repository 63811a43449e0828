package fmt

import (
	"strconv"
	"strings"
)

// SprintFloat formats value with at most decimal digits, without trailing zeros, the way G-code
// numbers are written. The decimal separator is always '.'.
func SprintFloat(value float64, decimal uint) string {
	floatStr := strconv.FormatFloat(value, 'f', int(decimal), 64)
	if decimal > 0 {
		floatStr = strings.TrimRight(strings.TrimRight(floatStr, "0"), ".")
	}
	if floatStr == "-0" {
		floatStr = "0"
	}
	return floatStr
}
