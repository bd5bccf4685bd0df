package registry

import "unicode"

// blockOpeners start a nested scope closed by "end". Assignments inside a
// block are local to it and never declare a global.
var blockOpeners = map[string]bool{
	"def":    true,
	"thread": true,
	"for":    true,
	"while":  true,
	"if":     true,
}

// ExtractDeclarations returns the names assigned at the top level of a
// command, in order of first appearance. Assignments inside call
// arguments, lists, strings and blocks are ignored, as are comparisons
// and member assignments.
func ExtractDeclarations(command string) []string {
	var (
		names  []string
		seen   = make(map[string]bool)
		src    = []rune(command)
		depth  int // parentheses and brackets
		blocks int
		// lastIdent is a top-level identifier awaiting "=".
		lastIdent string
	)

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '"' || c == '\'':
			i = skipString(src, i)
			lastIdent = ""
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			lastIdent = ""
		case c == '(' || c == '[':
			depth++
			i++
			lastIdent = ""
		case c == ')' || c == ']':
			if depth > 0 {
				depth--
			}
			i++
			lastIdent = ""
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			word := string(src[start:i])
			member := start > 0 && src[start-1] == '.'
			switch {
			case word == "end":
				if blocks > 0 {
					blocks--
				}
				lastIdent = ""
			case blockOpeners[word]:
				blocks++
				lastIdent = ""
			case member:
				lastIdent = ""
			default:
				lastIdent = word
			}
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				i += 2
				lastIdent = ""
				continue
			}
			if lastIdent != "" && depth == 0 && blocks == 0 && !seen[lastIdent] {
				seen[lastIdent] = true
				names = append(names, lastIdent)
			}
			lastIdent = ""
			i++
		case c == '!' || c == '<' || c == '>':
			i++
			if i < len(src) && src[i] == '=' {
				i++
			}
			lastIdent = ""
		case unicode.IsSpace(c):
			i++
		default:
			lastIdent = ""
			i++
		}
	}
	return names
}

func skipString(src []rune, i int) int {
	quote := src[i]
	i++
	for i < len(src) && src[i] != quote {
		i++
	}
	if i < len(src) {
		i++
	}
	return i
}

func isIdentStart(c rune) bool {
	return c == '_' || unicode.IsLetter(c)
}

func isIdentPart(c rune) bool {
	return c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c)
}
