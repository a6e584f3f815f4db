package ingest

// ChunkText splits text into overlapping chunks sized by the job's own
// chunk_size/chunk_overlap, a job-level parameterization of the package
// defaults used elsewhere.
func ChunkText(docID, text string, chunkSize, overlap int) []Chunk {
	sentences := splitSentences(text)
	return chunkSentences(docID, sentences, chunkSize, overlap)
}

// SplitSentences exposes the sentence splitter for callers that need
// sentence boundaries without chunking.
func SplitSentences(text string) []string {
	return splitSentences(text)
}
