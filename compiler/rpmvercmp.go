package compiler

import (
	"strings"
)

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlpha(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func span(s string, fn func(byte) bool) int {
	i := 0
	for i < len(s) && fn(s[i]) {
		i++
	}
	return i
}

// rpmvercmp compares two version or release strings the way rpm does:
// alternating numeric and alphabetic segments, numbers beating letters,
// "~" sorting before anything and "^" after the end of a string.
func rpmvercmp(a, b string) int {
	if a == b {
		return 0
	}
	separator := func(c byte) bool {
		return !isDigit(c) && !isAlpha(c) && c != '~' && c != '^'
	}
	one, two := a, b
	for len(one) > 0 || len(two) > 0 {
		one = one[span(one, separator):]
		two = two[span(two, separator):]

		if strings.HasPrefix(one, "~") || strings.HasPrefix(two, "~") {
			if !strings.HasPrefix(one, "~") {
				return 1
			}
			if !strings.HasPrefix(two, "~") {
				return -1
			}
			one, two = one[1:], two[1:]
			continue
		}

		if strings.HasPrefix(one, "^") || strings.HasPrefix(two, "^") {
			if one == "" {
				return -1
			}
			if two == "" {
				return 1
			}
			if !strings.HasPrefix(one, "^") {
				return 1
			}
			if !strings.HasPrefix(two, "^") {
				return -1
			}
			one, two = one[1:], two[1:]
			continue
		}

		if one == "" || two == "" {
			break
		}

		isNum := isDigit(one[0])
		kind := isAlpha
		if isNum {
			kind = isDigit
		}
		n1, n2 := span(one, kind), span(two, kind)
		seg1, seg2 := one[:n1], two[:n2]
		one, two = one[n1:], two[n2:]
		if seg2 == "" {
			// segments of different types
			if isNum {
				return 1
			}
			return -1
		}
		if isNum {
			seg1 = strings.TrimLeft(seg1, "0")
			seg2 = strings.TrimLeft(seg2, "0")
			if len(seg1) != len(seg2) {
				if len(seg1) > len(seg2) {
					return 1
				}
				return -1
			}
		}
		if c := strings.Compare(seg1, seg2); c != 0 {
			return c
		}
	}
	switch {
	case one == "" && two == "":
		return 0
	case one == "":
		return -1
	}
	return 1
}
