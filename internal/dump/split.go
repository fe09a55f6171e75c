package dump

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Token is one item read from a SQL script: either a complete statement
// (without its terminating semicolon) or a comment line that appeared
// between statements.
type Token struct {
	Statement string
	Comment   string
	// Incomplete is set on a final statement that ended inside a quote,
	// quoted identifier, block comment or dollar-quoted body.
	Incomplete bool
}

type scanState int

const (
	stateCode scanState = iota
	stateQuote
	stateEscapeQuote
	stateIdent
	stateLineComment
	stateBlockComment
	stateDollar
)

// StatementReader splits a SQL script into statements. It understands
// single-quoted strings with doubled quotes, E'' strings with backslash
// escapes, double-quoted identifiers, line and nested block comments and
// dollar-quoted bodies, so semicolons inside any of them do not end a
// statement.
type StatementReader struct {
	r       *bufio.Reader
	buf     strings.Builder
	state   scanState
	hasCode bool
	depth   int
	tag     string
	prev    rune
	prev2   rune
	done    bool
}

// NewStatementReader reads statements from r.
func NewStatementReader(r io.Reader) *StatementReader {
	return &StatementReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next token or io.EOF.
func (s *StatementReader) Next() (Token, error) {
	if s.done {
		return Token{}, io.EOF
	}
	for {
		ch, _, err := s.r.ReadRune()
		if errors.Is(err, io.EOF) {
			s.done = true
			if s.hasCode {
				tok := Token{
					Statement:  strings.TrimSpace(s.buf.String()),
					Incomplete: s.state != stateCode && s.state != stateLineComment,
				}
				s.reset()
				return tok, nil
			}
			return Token{}, io.EOF
		}
		if err != nil {
			return Token{}, err
		}

		switch s.state {
		case stateCode:
			tok, ok, err := s.code(ch)
			if err != nil {
				return Token{}, err
			}
			if ok {
				return tok, nil
			}
		case stateQuote, stateEscapeQuote:
			s.buf.WriteRune(ch)
			if s.state == stateEscapeQuote && ch == '\\' {
				next, _, err := s.r.ReadRune()
				if err == nil {
					s.buf.WriteRune(next)
				}
				continue
			}
			if ch == '\'' {
				if s.peekIs('\'') {
					s.skip(1)
					s.buf.WriteRune('\'')
				} else {
					s.state = stateCode
				}
			}
		case stateIdent:
			s.buf.WriteRune(ch)
			if ch == '"' {
				if s.peekIs('"') {
					s.skip(1)
					s.buf.WriteRune('"')
				} else {
					s.state = stateCode
				}
			}
		case stateLineComment:
			s.buf.WriteRune(ch)
			if ch == '\n' {
				s.state = stateCode
			}
		case stateBlockComment:
			s.writeCommentRune(ch)
			switch {
			case ch == '/' && s.peekIs('*'):
				s.skip(1)
				s.writeCommentRune('*')
				s.depth++
			case ch == '*' && s.peekIs('/'):
				s.skip(1)
				s.writeCommentRune('/')
				s.depth--
				if s.depth == 0 {
					s.state = stateCode
				}
			}
		case stateDollar:
			s.buf.WriteRune(ch)
			if ch == '$' {
				closing := s.tag + "$"
				if peek, err := s.r.Peek(len(closing)); err == nil && string(peek) == closing {
					s.skip(len(closing))
					s.buf.WriteString(closing)
					s.state = stateCode
				}
			}
		}
	}
}

// code handles one rune outside any quoted construct. It returns a token
// when a statement or a standalone comment is complete.
func (s *StatementReader) code(ch rune) (Token, bool, error) {
	switch {
	case ch == ';':
		if !s.hasCode {
			return Token{}, false, nil
		}
		tok := Token{Statement: strings.TrimSpace(s.buf.String())}
		s.reset()
		return tok, true, nil

	case ch == '-' && s.peekIs('-'):
		s.skip(1)
		if s.hasCode {
			s.buf.WriteString("--")
			s.state = stateLineComment
			return Token{}, false, nil
		}
		line, err := s.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Token{}, false, err
		}
		return Token{Comment: strings.TrimSpace(line)}, true, nil

	case ch == '/' && s.peekIs('*'):
		s.skip(1)
		s.state = stateBlockComment
		s.depth = 1
		s.writeCommentRune('/')
		s.writeCommentRune('*')
		return Token{}, false, nil

	case ch == '\'':
		if (s.prev == 'E' || s.prev == 'e') && !isIdentRune(s.prev2) {
			s.state = stateEscapeQuote
		} else {
			s.state = stateQuote
		}

	case ch == '"':
		s.state = stateIdent

	case ch == '$' && !isIdentRune(s.prev):
		if tag, ok := s.dollarTag(); ok {
			s.skip(len(tag) + 1)
			s.buf.WriteString("$" + tag + "$")
			s.tag = tag
			s.state = stateDollar
			s.hasCode = true
			s.prev2, s.prev = s.prev, '$'
			return Token{}, false, nil
		}

	case isSpace(ch):
		if s.hasCode {
			s.buf.WriteRune(ch)
		}
		s.prev2, s.prev = s.prev, ch
		return Token{}, false, nil
	}

	s.buf.WriteRune(ch)
	s.hasCode = true
	s.prev2, s.prev = s.prev, ch
	return Token{}, false, nil
}

// dollarTag peeks past an opening '$' for "tag$" or "$".
func (s *StatementReader) dollarTag() (string, bool) {
	peek, _ := s.r.Peek(64)
	for i, b := range peek {
		switch {
		case b == '$':
			return string(peek[:i]), true
		case b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z'):
		case b >= '0' && b <= '9' && i > 0:
		default:
			return "", false
		}
	}
	return "", false
}

func (s *StatementReader) skip(n int) {
	_, _ = s.r.Discard(n)
}

func (s *StatementReader) peekIs(want byte) bool {
	b, err := s.r.Peek(1)
	return err == nil && b[0] == want
}

// writeCommentRune keeps block comments that sit inside a statement and
// drops the ones between statements.
func (s *StatementReader) writeCommentRune(ch rune) {
	if s.hasCode {
		s.buf.WriteRune(ch)
	}
}

func (s *StatementReader) reset() {
	s.buf.Reset()
	s.state = stateCode
	s.hasCode = false
	s.depth = 0
	s.tag = ""
	s.prev, s.prev2 = 0, 0
}

func isIdentRune(ch rune) bool {
	return ch == '_' || ch == '$' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch > 127
}

func isSpace(ch rune) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f'
}
