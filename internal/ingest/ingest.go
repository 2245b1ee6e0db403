// Package ingest loads lecture corpora and exam questions into the store.
//
// Corpus files are YAML (one or more documents) or JSON and carry lectures
// with their sections and chunks plus a question set. A Markdown file is
// read as a single lecture: the h1 is the title, h2+ headers become
// sections, and section bodies are packed into chunks on paragraph
// boundaries. Page markers of the form <!-- page N --> set the page range
// recorded on chunks.
//
// EmbedEngine backfills chunk embeddings after import and optionally mirrors
// them into an external vector index.
package ingest
