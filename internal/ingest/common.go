package ingest

import "errors"

// ErrUnsupportedFormat is returned for files no importer handles.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Corpus is the on-disk import format.
type Corpus struct {
	Lectures  []LectureDoc  `yaml:"lectures" json:"lectures"`
	Questions []QuestionDoc `yaml:"questions" json:"questions"`
}

// LectureDoc is one lecture. Chunks lists content outside any section.
type LectureDoc struct {
	Title    string       `yaml:"title" json:"title"`
	Course   string       `yaml:"course" json:"course"`
	Sections []SectionDoc `yaml:"sections" json:"sections"`
	Chunks   []ChunkDoc   `yaml:"chunks" json:"chunks"`
}

// SectionDoc is a parent section. When Chunks is empty, Content is split
// into chunks; otherwise Content (or the joined chunks) is the parent text.
type SectionDoc struct {
	Title     string     `yaml:"title" json:"title"`
	Content   string     `yaml:"content" json:"content"`
	PageStart int        `yaml:"page_start" json:"page_start"`
	PageEnd   int        `yaml:"page_end" json:"page_end"`
	Chunks    []ChunkDoc `yaml:"chunks" json:"chunks"`
}

// ChunkDoc is one retrievable chunk. Page is shorthand for a single page.
type ChunkDoc struct {
	Content   string `yaml:"content" json:"content"`
	Page      int    `yaml:"page" json:"page"`
	PageStart int    `yaml:"page_start" json:"page_start"`
	PageEnd   int    `yaml:"page_end" json:"page_end"`
}

func (c ChunkDoc) pages() (int, int) {
	start, end := c.PageStart, c.PageEnd
	if start == 0 {
		start = c.Page
	}
	if end == 0 {
		end = start
	}
	return start, end
}

// QuestionDoc is one exam question.
type QuestionDoc struct {
	Exam    string   `yaml:"exam" json:"exam"`
	Text    string   `yaml:"text" json:"text"`
	Choices []string `yaml:"choices" json:"choices"`
}

// ImportResult summarizes an import operation.
type ImportResult struct {
	FilesScanned  int           `json:"files_scanned"`
	FilesImported int           `json:"files_imported"`
	Lectures      int           `json:"lectures"`
	Sections      int           `json:"sections"`
	Chunks        int           `json:"chunks"`
	Questions     int           `json:"questions"`
	Skipped       int           `json:"skipped"` // duplicate chunks and questions
	Errors        []ImportError `json:"errors,omitempty"`
}

// Add merges another ImportResult into this one.
func (r *ImportResult) Add(other *ImportResult) {
	r.FilesScanned += other.FilesScanned
	r.FilesImported += other.FilesImported
	r.Lectures += other.Lectures
	r.Sections += other.Sections
	r.Chunks += other.Chunks
	r.Questions += other.Questions
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

// ImportError records a non-fatal error during import.
type ImportError struct {
	File    string `json:"file"`
	Item    string `json:"item,omitempty"`
	Message string `json:"message"`
}

// ImportOptions configures an import operation.
type ImportOptions struct {
	Recursive     bool
	DryRun        bool
	ExamID        string // exam for questions that name none
	MaxChunkChars int    // default 1200
	MaxFileSize   int64  // bytes, default 10MB
	ProgressFn    func(current, total int, file string)
}

const (
	// DefaultMaxFileSize is 10MB.
	DefaultMaxFileSize   = 10 * 1024 * 1024
	defaultMaxChunkChars = 1200
)

func (o *ImportOptions) normalize() {
	if o.MaxChunkChars <= 0 {
		o.MaxChunkChars = defaultMaxChunkChars
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
}
