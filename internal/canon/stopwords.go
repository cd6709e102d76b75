package canon

var stopwordList = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "from",
	"has", "have", "he", "her", "his", "in", "is", "it", "its", "of", "on",
	"or", "says", "said", "she", "than", "that", "the", "their", "they",
	"this", "to", "was", "were", "will", "with", "after", "over", "new",
	"der", "die", "das", "und", "le", "la", "les", "des", "el", "los", "de",
}

func defaultStopwords() map[string]struct{} {
	words := make(map[string]struct{}, len(stopwordList))
	for _, word := range stopwordList {
		words[word] = struct{}{}
	}
	return words
}
