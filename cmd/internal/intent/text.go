package intent

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	numberRe     = regexp.MustCompile(`\d+`)
)

// timeWords maps Chinese day-part words to their canonical names. Order
// matters: the first word found in the text wins.
var timeWords = []struct {
	word string
	name string
}{
	{"早上", "morning"},
	{"上午", "morning"},
	{"中午", "noon"},
	{"下午", "afternoon"},
	{"晚上", "evening"},
	{"夜里", "night"},
}

// knownCities is the lookup list for location extraction. A proper
// gazetteer is overkill for a group chat bot.
var knownCities = []string{
	"北京", "上海", "广州", "深圳", "杭州", "成都", "重庆",
	"武汉", "西安", "南京", "天津", "苏州", "长沙", "郑州",
}

// CleanText trims the text and collapses runs of whitespace to single
// spaces.
func CleanText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return whitespaceRe.ReplaceAllString(text, " ")
}

// ExtractNumbers returns every decimal number in the text, in order.
func ExtractNumbers(text string) []int {
	var out []int
	for _, m := range numberRe.FindAllString(text, -1) {
		n, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// ExtractEntities pulls time and location hints out of the text: the
// first day-part word, the first number that could be a clock hour, and
// the first known city name.
func ExtractEntities(text string) Entities {
	var e Entities

	for _, tw := range timeWords {
		if strings.Contains(text, tw.word) {
			e.HasTime = true
			e.TimeType = tw.name
			break
		}
	}

	if nums := ExtractNumbers(text); len(nums) > 0 {
		if h := nums[0]; h >= 0 && h <= 23 {
			e.Hour = &h
			e.HasTime = true
		}
	}

	for _, city := range knownCities {
		if strings.Contains(text, city) {
			e.HasLocation = true
			e.Location = city
			break
		}
	}

	return e
}

// CommandHint reports whether the text opens with a command marker ("/"
// or full-width "！") and returns the first token after it.
func CommandHint(text string) (bool, string) {
	var rest string
	switch {
	case strings.HasPrefix(text, "/"):
		rest = strings.TrimPrefix(text, "/")
	case strings.HasPrefix(text, "！"):
		rest = strings.TrimPrefix(text, "！")
	default:
		return false, ""
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return true, ""
	}
	return true, fields[0]
}
