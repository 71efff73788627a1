package worker

import "strings"

// normalizeStandard trims trailing whitespace from the whole buffer,
// then trims trailing whitespace from each line and concatenates the
// lines without reinserting the line separators. Applied identically
// to both the program's output and the expected answer.
func normalizeStandard(buf []byte) string {
	trimmed := strings.TrimRight(string(buf), " \t\r\n\v\f")
	lines := strings.Split(trimmed, "\n")
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(strings.TrimRight(line, " \t\r\v\f"))
	}
	return b.String()
}

// compareOutputs implements the Standard/Strict comparison rules; Spj
// and DynamicRanking are handled by the caller before reaching here.
func compareOutputs(standard bool, output, answer []byte) bool {
	if standard {
		return normalizeStandard(output) == normalizeStandard(answer)
	}
	return string(output) == string(answer)
}
