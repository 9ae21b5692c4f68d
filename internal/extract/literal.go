package extract

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
)

// resolveString folds a string-valued attribute argument into its literal
// value. Regular, verbatim and raw literals are accepted, as is a `+` chain
// of them. Anything that needs evaluation (interpolation, constants, calls)
// is rejected.
func resolveString(n *sitter.Node, src []byte) (string, error) {
	switch n.Type() {
	case "string_literal":
		return decodeRegular(n.Content(src))
	case "verbatim_string_literal":
		return decodeVerbatim(n.Content(src))
	case "raw_string_literal":
		return decodeRaw(n.Content(src))
	case "parenthesized_expression":
		inner := firstNamedChild(n)
		if inner == nil {
			return "", fmt.Errorf("empty parenthesized expression")
		}
		return resolveString(inner, src)
	case "binary_expression":
		op := n.ChildByFieldName("operator")
		if op == nil || op.Content(src) != "+" {
			return "", fmt.Errorf("unsupported expression %q", n.Content(src))
		}
		left, right := n.ChildByFieldName("left"), n.ChildByFieldName("right")
		if left == nil || right == nil {
			return "", fmt.Errorf("incomplete concatenation %q", n.Content(src))
		}
		l, err := resolveString(left, src)
		if err != nil {
			return "", err
		}
		r, err := resolveString(right, src)
		if err != nil {
			return "", err
		}
		return l + r, nil
	default:
		return "", fmt.Errorf("%s is not a string literal", strings.TrimSpace(n.Content(src)))
	}
}

// resolveEnum returns the member name of an enum argument: IssueType.BUG,
// Core.IssueType.BUG and a bare BUG (using static) all yield "BUG".
func resolveEnum(n *sitter.Node, src []byte) (string, error) {
	switch n.Type() {
	case "identifier":
		return n.Content(src), nil
	case "member_access_expression":
		name := n.ChildByFieldName("name")
		if name == nil {
			return "", fmt.Errorf("incomplete member access %q", n.Content(src))
		}
		return name.Content(src), nil
	case "parenthesized_expression":
		inner := firstNamedChild(n)
		if inner == nil {
			return "", fmt.Errorf("empty parenthesized expression")
		}
		return resolveEnum(inner, src)
	default:
		return "", fmt.Errorf("%s is not an enum value", strings.TrimSpace(n.Content(src)))
	}
}

func firstNamedChild(n *sitter.Node) *sitter.Node {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() != "comment" {
			return c
		}
	}
	return nil
}

func decodeRegular(lit string) (string, error) {
	if len(lit) < 2 || lit[0] != '"' || lit[len(lit)-1] != '"' {
		return "", fmt.Errorf("malformed string literal %s", lit)
	}
	body := lit[1 : len(lit)-1]
	if !strings.Contains(body, `\`) {
		return body, nil
	}
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(body) {
			return "", fmt.Errorf("dangling escape in %s", lit)
		}
		switch body[i] {
		case '\'', '"', '\\':
			b.WriteByte(body[i])
		case '0':
			b.WriteByte(0)
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		case 'e':
			b.WriteByte(0x1b)
		case 'u', 'U', 'x':
			width := map[byte]int{'u': 4, 'U': 8, 'x': 4}[body[i]]
			j := i + 1
			for j < len(body) && j-i-1 < width && isHex(body[j]) {
				j++
			}
			digits := body[i+1 : j]
			if digits == "" || (body[i] != 'x' && len(digits) != width) {
				return "", fmt.Errorf("bad unicode escape in %s", lit)
			}
			code, err := strconv.ParseUint(digits, 16, 32)
			if err != nil || !utf8.ValidRune(rune(code)) {
				return "", fmt.Errorf("bad unicode escape in %s", lit)
			}
			b.WriteRune(rune(code))
			i = j - 1
		default:
			return "", fmt.Errorf("unknown escape \\%c in %s", body[i], lit)
		}
	}
	return b.String(), nil
}

func decodeVerbatim(lit string) (string, error) {
	if !strings.HasPrefix(lit, `@"`) || !strings.HasSuffix(lit, `"`) || len(lit) < 3 {
		return "", fmt.Errorf("malformed verbatim literal %s", lit)
	}
	return strings.ReplaceAll(lit[2:len(lit)-1], `""`, `"`), nil
}

func decodeRaw(lit string) (string, error) {
	n := 0
	for n < len(lit) && lit[n] == '"' {
		n++
	}
	if n < 3 || len(lit) < 2*n || !strings.HasSuffix(lit, strings.Repeat(`"`, n)) {
		return "", fmt.Errorf("malformed raw literal %s", lit)
	}
	body := lit[n : len(lit)-n]
	if !strings.Contains(body, "\n") {
		return body, nil
	}
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	// The first line follows the opening quotes and the last line holds the
	// indentation of the closing quotes; both are dropped.
	indent := lines[len(lines)-1]
	if strings.TrimSpace(indent) != "" {
		return "", fmt.Errorf("raw literal closing quotes must be on their own line")
	}
	lines = lines[1 : len(lines)-1]
	for i, l := range lines {
		lines[i] = strings.TrimPrefix(l, indent)
	}
	return strings.Join(lines, "\n"), nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
