package ingest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// headerRe matches any markdown header level 1-6.
	headerRe = regexp.MustCompile(`^(#{1,6})\s+(.+)`)
	// pageMarkerRe matches <!-- page 12 --> markers left by PDF-to-Markdown converters.
	pageMarkerRe = regexp.MustCompile(`(?i)^<!--\s*page\s+(\d+)\s*-->$`)
)

func isMarkdownFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".md" || ext == ".markdown"
}

// frontMatter holds the lecture fields a Markdown file may declare.
type frontMatter struct {
	Title  string `yaml:"title"`
	Course string `yaml:"course"`
}

// ParseMarkdownLecture reads a Markdown file as one lecture. Title comes from
// front matter, then the first h1, then the file name. Headers with no body
// of their own (a parent header directly followed by a child) yield no
// section; their title still prefixes the child's path.
func ParseMarkdownLecture(path string, maxChunkChars int) (LectureDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LectureDoc{}, err
	}
	fm, body, err := stripFrontMatter(string(data))
	if err != nil {
		return LectureDoc{}, fmt.Errorf("front matter in %s: %w", path, err)
	}
	lec := LectureDoc{Title: fm.Title, Course: fm.Course}

	var (
		headerStack = make([]string, 5) // h2 through h6
		current     *SectionDoc
		lines       []string
		page        int
		startPage   int
		inCode      bool
	)

	flush := func() {
		text := strings.TrimSpace(strings.Join(lines, "\n"))
		lines = nil
		if text == "" {
			return
		}
		end := page
		if startPage == 0 {
			startPage = end
		}
		if current == nil {
			for _, part := range splitContent(text, maxChunkChars) {
				lec.Chunks = append(lec.Chunks, ChunkDoc{Content: part, PageStart: startPage, PageEnd: end})
			}
			return
		}
		current.Content = text
		current.PageStart, current.PageEnd = startPage, end
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inCode = !inCode
		}
		if !inCode {
			if m := pageMarkerRe.FindStringSubmatch(trimmed); m != nil {
				page, _ = strconv.Atoi(m[1])
				if len(lines) == 0 {
					startPage = page
				}
				continue
			}
			if m := headerRe.FindStringSubmatch(line); m != nil {
				level := len(m[1])
				title := strings.TrimSpace(m[2])
				if level == 1 {
					if lec.Title == "" {
						lec.Title = title
					}
					continue
				}
				flush()
				if current != nil && current.Content != "" {
					lec.Sections = append(lec.Sections, *current)
				}
				idx := level - 2
				headerStack[idx] = title
				for i := idx + 1; i < len(headerStack); i++ {
					headerStack[i] = ""
				}
				current = &SectionDoc{Title: buildSectionPath(headerStack)}
				startPage = page
				continue
			}
		}
		if len(lines) == 0 && trimmed == "" {
			continue
		}
		if len(lines) == 0 {
			startPage = page
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return LectureDoc{}, fmt.Errorf("reading %s: %w", path, err)
	}
	flush()
	if current != nil && current.Content != "" {
		lec.Sections = append(lec.Sections, *current)
	}

	if lec.Title == "" {
		base := filepath.Base(path)
		lec.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return lec, nil
}

// stripFrontMatter removes a leading --- delimited YAML block.
func stripFrontMatter(content string) (frontMatter, string, error) {
	var fm frontMatter
	trimmed := strings.TrimLeft(content, "\ufeff \t\r\n")
	if !strings.HasPrefix(trimmed, "---") {
		return fm, content, nil
	}
	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return fm, content, nil
	}
	if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
		return fm, content, err
	}
	body := rest[idx+4:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}
	return fm, body, nil
}

// buildSectionPath joins the non-empty header levels: "Cells > Organelles".
func buildSectionPath(stack []string) string {
	var parts []string
	for _, h := range stack {
		if h != "" {
			parts = append(parts, h)
		}
	}
	return strings.Join(parts, " > ")
}

// splitContent packs paragraphs into chunks of at most maxChars. A paragraph
// longer than maxChars is cut on line breaks, then on spaces.
func splitContent(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = defaultMaxChunkChars
	}
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var out []string
	var current []string
	currentLen := 0
	flush := func() {
		if s := strings.TrimSpace(strings.Join(current, "\n\n")); s != "" {
			out = append(out, s)
		}
		current = nil
		currentLen = 0
	}
	add := func(piece string) {
		if currentLen > 0 && currentLen+len(piece)+2 > maxChars {
			flush()
		}
		current = append(current, piece)
		currentLen += len(piece) + 2
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= maxChars {
			add(para)
			continue
		}
		for _, line := range strings.Split(para, "\n") {
			line = strings.TrimSpace(line)
			for len(line) > maxChars {
				cut := maxChars
				if idx := strings.LastIndex(line[:cut], " "); idx > maxChars/2 {
					cut = idx
				}
				flush()
				out = append(out, strings.TrimSpace(line[:cut]))
				line = strings.TrimSpace(line[cut:])
			}
			if line != "" {
				add(line)
			}
		}
	}
	flush()
	return out
}
