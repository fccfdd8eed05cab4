package sandbox

import "fmt"

// SyntaxError reports where generated code failed the pre-execution check.
type SyntaxError struct {
	Line int
	Col  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d, column %d: %s", e.Line, e.Col, e.Msg)
}

// CheckSyntax performs a lightweight structural check of Python source
// before it ever touches the container: balanced brackets and terminated
// string literals, with comment and triple-quote awareness. It is not a
// full parser — code that passes may still fail inside the sandbox, where
// the real interpreter reports the error through the envelope — but it
// rejects the common truncation and bracket mistakes of generated code
// without spending a container round-trip.
func CheckSyntax(code string) error {
	type opener struct {
		ch        rune
		line, col int
	}
	var stack []opener

	line, col := 1, 0
	runes := []rune(code)

	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if ch == '\n' {
			line++
			col = 0
			continue
		}
		col++

		switch ch {
		case '#':
			// Comment: skip to end of line.
			for i+1 < len(runes) && runes[i+1] != '\n' {
				i++
			}
		case '\'', '"':
			adv, err := scanString(runes, i, line, col)
			if err != nil {
				return err
			}
			// Re-count lines and columns covered by the literal.
			for j := i + 1; j <= adv; j++ {
				if runes[j] == '\n' {
					line++
					col = 0
				} else {
					col++
				}
			}
			i = adv
		case '(', '[', '{':
			stack = append(stack, opener{ch: ch, line: line, col: col})
		case ')', ']', '}':
			if len(stack) == 0 {
				return &SyntaxError{Line: line, Col: col, Msg: fmt.Sprintf("unmatched %q", ch)}
			}
			top := stack[len(stack)-1]
			if closerFor(top.ch) != ch {
				return &SyntaxError{Line: line, Col: col,
					Msg: fmt.Sprintf("mismatched %q, expected %q", ch, closerFor(top.ch))}
			}
			stack = stack[:len(stack)-1]
		}
	}

	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return &SyntaxError{Line: top.line, Col: top.col, Msg: fmt.Sprintf("unclosed %q", top.ch)}
	}
	return nil
}

// scanString consumes a string literal starting at runes[start] and returns
// the index of its closing quote. Handles escapes and triple quotes.
func scanString(runes []rune, start, line, col int) (int, error) {
	quote := runes[start]
	triple := start+2 < len(runes) && runes[start+1] == quote && runes[start+2] == quote

	i := start + 1
	if triple {
		i = start + 3
	}
	for ; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			i++ // skip escaped rune
		case '\n':
			if !triple {
				return 0, &SyntaxError{Line: line, Col: col, Msg: "unterminated string literal"}
			}
		case quote:
			if !triple {
				return i, nil
			}
			if i+2 < len(runes) && runes[i+1] == quote && runes[i+2] == quote {
				return i + 2, nil
			}
		}
	}
	return 0, &SyntaxError{Line: line, Col: col, Msg: "unterminated string literal"}
}

func closerFor(open rune) rune {
	switch open {
	case '(':
		return ')'
	case '[':
		return ']'
	default:
		return '}'
	}
}
