package mockfs

import (
	"fmt"
	"sort"
	"strings"
)

// A figure draws how several files clone slices of one DATA extent:
//
//	AAA  AAA
//	  BBBBCCCCCC
//	 CCC
//	012345678901
//
// Every run of one non-space character is a slice cloned into the file
// named by that character.  Digit-only lines are rulers and must read
// 0123456789 repeated.

// FigureRange is one slice of a figure.
type FigureRange struct {
	Name   string
	Offset int64
	Length int64
}

// FigureError reports a malformed figure.
type FigureError struct {
	Line   string
	Reason string
}

func (e *FigureError) Error() string {
	return fmt.Sprintf("bad figure line %q: %s", e.Line, e.Reason)
}

// FigureOpts pads the source extent with ExtentLeft and ExtentRight
// uncloned bytes, and puts a SliceSpacing hole before every slice in
// each file.
type FigureOpts struct {
	ExtentLeft   int64
	ExtentRight  int64
	SliceSpacing int64
}

func dedent(lines []string) []string {
	prefix := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		n := len(line) - len(strings.TrimLeft(line, " \t"))
		if prefix < 0 || n < prefix {
			prefix = n
		}
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		switch {
		case prefix <= 0:
			out[i] = line
		case len(line) >= prefix:
			out[i] = line[prefix:]
		default:
			out[i] = strings.TrimLeft(line, " \t")
		}
	}
	return out
}

func isRuler(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ParseFigure returns the slices of figure, sorted by name, offset and
// length.
func ParseFigure(figure string) (ranges []FigureRange, err error) {
	lines := dedent(strings.Split(strings.Trim(figure, "\n"), "\n"))
	for _, line := range lines {
		s := strings.TrimRight(line, " \t")
		if isRuler(s) {
			ruler := strings.Repeat("0123456789", len(s)/10+1)[:len(s)]
			if ruler != s {
				return nil, &FigureError{Line: s, Reason: "ruler must count 0123456789"}
			}
			continue
		}
		var offset int64
		for i := 0; i < len(s); {
			j := i
			for j < len(s) && s[j] == s[i] {
				j++
			}
			if s[i] != ' ' {
				ranges = append(ranges, FigureRange{Name: s[i : i+1], Offset: offset, Length: int64(j - i)})
			}
			offset += int64(j - i)
			i = j
		}
	}
	sort.Slice(ranges, func(i, j int) bool {
		a, b := ranges[i], ranges[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return a.Length < b.Length
	})
	return
}

// FigureFiles writes one DATA extent in arena and builds a file per
// name in figure, each cloning its slices in offset order.
func FigureFiles(arena *Arena, figure string, opts FigureOpts) (files []*File, err error) {
	ranges, err := ParseFigure(figure)
	if err != nil || len(ranges) == 0 {
		return
	}
	var end int64
	for _, r := range ranges {
		if r.Offset+r.Length > end {
			end = r.Offset + r.Length
		}
	}
	source, err := arena.Empty().Write(0, opts.ExtentLeft+end+opts.ExtentRight)
	if err != nil {
		return
	}
	var file *File
	var fileOffset int64
	for _, r := range ranges {
		if file == nil || file.Description.String() != r.Name {
			file = File{}.New(Label(r.Name), arena.Empty())
			files = append(files, file)
			fileOffset = opts.SliceSpacing
		}
		file.Extent, err = file.Extent.Clone(fileOffset, source, opts.ExtentLeft+r.Offset, r.Length)
		if err != nil {
			return nil, err
		}
		fileOffset += opts.SliceSpacing + r.Length
	}
	return
}

// FormatChunks renders finalized files one per line.
func FormatChunks(files []*File) string {
	var out strings.Builder
	for _, f := range files {
		var chunks []string
		for _, c := range f.Chunks {
			chunks = append(chunks, c.String())
		}
		fmt.Fprintf(&out, "%v: [%s]\n", f, strings.Join(chunks, ", "))
	}
	return out.String()
}
