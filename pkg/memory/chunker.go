package memory

// Chunking granularity, in token-equivalents. Tokens are estimated at four
// characters each, so a 500-token window spans roughly 2000 characters.
const (
	chunkWindowTokens  = 500
	chunkOverlapTokens = 50
	charsPerToken      = 4
)

// ChunkText splits text into overlapping windows to bound embedding and
// citation granularity. Always returns at least one chunk, and guarantees
// forward progress: when advancing by window-overlap would not move the
// cursor, chunking terminates instead of looping.
func ChunkText(text string) []string {
	return chunkRunes([]rune(text), chunkWindowTokens*charsPerToken, chunkOverlapTokens*charsPerToken)
}

func chunkRunes(runes []rune, window, overlap int) []string {
	if len(runes) == 0 {
		return []string{""}
	}
	if window <= 0 {
		return []string{string(runes)}
	}

	chunks := []string{}
	start := 0
	for start < len(runes) {
		end := start + window
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end >= len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			break
		}
		start = next
	}
	if len(chunks) == 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return len([]rune(text)) / charsPerToken
}
