package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/hurttlocker/lectern/internal/store"
)

var tokenSplitRE = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Store is the write side the importer needs.
type Store interface {
	AddLecture(ctx context.Context, l *store.Lecture) (int64, error)
	AddSection(ctx context.Context, sec *store.Section) (int64, error)
	AddChunkBatch(ctx context.Context, chunks []*store.Chunk) ([]int64, error)
	AddQuestion(ctx context.Context, q *store.Question) (int64, error)
}

// Importer writes corpus files into the store.
type Importer struct {
	store  Store
	logger *zap.Logger
}

// NewImporter creates an importer.
func NewImporter(s Store, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{store: s, logger: logger.With(zap.String("component", "ingest"))}
}

func canHandle(path string) bool {
	return isCorpusFile(path) || isMarkdownFile(path)
}

// ImportPath imports a file, or every supported file in a directory
// (descending into subdirectories when opts.Recursive is set). Files that
// fail are recorded in Errors and do not stop the walk.
func (im *Importer) ImportPath(ctx context.Context, path string, opts ImportOptions) (*ImportResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("accessing %s: %w", path, err)
	}
	if !info.IsDir() {
		return im.ImportFile(ctx, path, opts)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && (!opts.Recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if canHandle(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", path, err)
	}

	total := &ImportResult{}
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := im.ImportFile(ctx, f, opts)
		if err != nil {
			total.FilesScanned++
			total.Errors = append(total.Errors, ImportError{File: f, Message: err.Error()})
			im.logger.Warn("import failed", zap.String("file", f), zap.Error(err))
		} else {
			total.Add(res)
		}
		if opts.ProgressFn != nil {
			opts.ProgressFn(i+1, len(files), f)
		}
	}
	return total, nil
}

// ImportFile imports one corpus or Markdown file.
func (im *Importer) ImportFile(ctx context.Context, path string, opts ImportOptions) (*ImportResult, error) {
	opts.normalize()
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("accessing %s: %w", path, err)
	}
	if info.Size() > opts.MaxFileSize {
		return nil, fmt.Errorf("%s is %d bytes, over the %d byte limit", path, info.Size(), opts.MaxFileSize)
	}

	var corpus *Corpus
	switch {
	case isMarkdownFile(path):
		lec, err := ParseMarkdownLecture(path, opts.MaxChunkChars)
		if err != nil {
			return nil, err
		}
		corpus = &Corpus{Lectures: []LectureDoc{lec}}
	case isCorpusFile(path):
		corpus, err = DecodeCorpus(path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}

	res := &ImportResult{FilesScanned: 1}
	for i, lec := range corpus.Lectures {
		if err := im.importLecture(ctx, path, lec, opts, res); err != nil {
			return res, fmt.Errorf("importing lecture %d of %s: %w", i+1, path, err)
		}
	}
	if err := im.importQuestions(ctx, path, corpus.Questions, opts, res); err != nil {
		return res, err
	}
	res.FilesImported = 1

	im.logger.Info("imported file",
		zap.String("file", path),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("lectures", res.Lectures),
		zap.Int("chunks", res.Chunks),
		zap.Int("questions", res.Questions),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

// pendingChunk is a chunk waiting for its section id.
type pendingChunk struct {
	section int // index into sections, -1 for none
	chunk   *store.Chunk
}

func (im *Importer) importLecture(ctx context.Context, path string, doc LectureDoc, opts ImportOptions, res *ImportResult) error {
	title := strings.TrimSpace(doc.Title)
	if title == "" {
		res.Errors = append(res.Errors, ImportError{File: path, Item: "lecture", Message: "lecture has no title"})
		return nil
	}

	seen := make(map[string]bool)
	position := 0
	var pending []pendingChunk
	var sections []*store.Section

	addChunk := func(section int, content string, pageStart, pageEnd int) {
		key := normalizeText(content)
		if key == "" {
			return
		}
		if seen[key] {
			res.Skipped++
			return
		}
		seen[key] = true
		pending = append(pending, pendingChunk{section: section, chunk: &store.Chunk{
			Content:   strings.TrimSpace(content),
			PageStart: pageStart,
			PageEnd:   pageEnd,
			Position:  position,
		}})
		position++
	}

	for _, c := range doc.Chunks {
		start, end := c.pages()
		for _, part := range splitContent(c.Content, opts.MaxChunkChars) {
			addChunk(-1, part, start, end)
		}
	}

	for _, sd := range doc.Sections {
		idx := len(sections)
		sec := &store.Section{Title: strings.TrimSpace(sd.Title), PageStart: sd.PageStart, PageEnd: sd.PageEnd}
		if len(sd.Chunks) == 0 {
			for _, part := range splitContent(sd.Content, opts.MaxChunkChars) {
				addChunk(idx, part, sd.PageStart, sd.PageEnd)
			}
			sec.Content = strings.TrimSpace(sd.Content)
		} else {
			var parts []string
			for _, c := range sd.Chunks {
				start, end := c.pages()
				if start == 0 {
					start, end = sd.PageStart, sd.PageEnd
				}
				addChunk(idx, c.Content, start, end)
				parts = append(parts, strings.TrimSpace(c.Content))
				if sec.PageStart == 0 || (start > 0 && start < sec.PageStart) {
					sec.PageStart = start
				}
				if end > sec.PageEnd {
					sec.PageEnd = end
				}
			}
			sec.Content = strings.TrimSpace(sd.Content)
			if sec.Content == "" {
				sec.Content = strings.TrimSpace(strings.Join(parts, "\n\n"))
			}
		}
		if sec.Content == "" {
			res.Errors = append(res.Errors, ImportError{File: path, Item: title + " > " + sec.Title, Message: "section has no content"})
			continue
		}
		sections = append(sections, sec)
	}

	if len(pending) == 0 {
		res.Errors = append(res.Errors, ImportError{File: path, Item: title, Message: "lecture has no content"})
		return nil
	}

	res.Lectures++
	res.Sections += len(sections)
	res.Chunks += len(pending)
	if opts.DryRun {
		return nil
	}

	lectureID, err := im.store.AddLecture(ctx, &store.Lecture{Title: title, Course: strings.TrimSpace(doc.Course)})
	if err != nil {
		return err
	}
	for _, sec := range sections {
		sec.LectureID = lectureID
		if _, err := im.store.AddSection(ctx, sec); err != nil {
			return err
		}
	}
	chunks := make([]*store.Chunk, len(pending))
	for i, p := range pending {
		p.chunk.LectureID = lectureID
		if p.section >= 0 {
			p.chunk.SectionID = sections[p.section].ID
		}
		chunks[i] = p.chunk
	}
	if _, err := im.store.AddChunkBatch(ctx, chunks); err != nil {
		return err
	}
	return nil
}

func (im *Importer) importQuestions(ctx context.Context, path string, docs []QuestionDoc, opts ImportOptions, res *ImportResult) error {
	seen := make(map[string]bool)
	for i, qd := range docs {
		text := strings.TrimSpace(qd.Text)
		if text == "" {
			res.Errors = append(res.Errors, ImportError{File: path, Item: fmt.Sprintf("question %d", i+1), Message: "question has no text"})
			continue
		}
		exam := strings.TrimSpace(qd.Exam)
		if exam == "" {
			exam = opts.ExamID
		}
		key := exam + "\x00" + normalizeText(text)
		if seen[key] {
			res.Skipped++
			continue
		}
		seen[key] = true

		res.Questions++
		if opts.DryRun {
			continue
		}
		choices := make([]string, 0, len(qd.Choices))
		for _, c := range qd.Choices {
			if c = strings.TrimSpace(c); c != "" {
				choices = append(choices, c)
			}
		}
		if _, err := im.store.AddQuestion(ctx, &store.Question{ExamID: exam, Text: text, Choices: choices}); err != nil {
			return fmt.Errorf("importing question %d of %s: %w", i+1, path, err)
		}
	}
	return nil
}

// normalizeText lowercases and collapses punctuation so that chunks differing
// only in whitespace or case are treated as duplicates.
func normalizeText(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(tokenSplitRE.ReplaceAllString(text, " ")), " ")
}
