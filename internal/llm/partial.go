package llm

import (
	"encoding/json"
	"strings"
)

// maxPartialAttempts bounds how many truncation points are tried per parse.
const maxPartialAttempts = 16

// ParsePartial makes a best-effort parse of an incomplete JSON document,
// such as the accumulated output of a streaming model. Open strings and
// containers are closed and dangling members are dropped until the text
// parses. It returns false when nothing usable could be recovered.
func ParsePartial[T any](buf string) (*T, bool) {
	start := strings.IndexAny(buf, "{[")
	if start < 0 {
		return nil, false
	}
	s := strings.TrimSpace(buf[start:])
	s = strings.TrimSpace(strings.TrimSuffix(s, "```"))

	for attempt := 0; attempt < maxPartialAttempts && s != ""; attempt++ {
		var v T
		if err := json.Unmarshal([]byte(closeJSON(s)), &v); err == nil {
			return &v, true
		}
		s = trimToBoundary(s)
	}
	return nil, false
}

type scanState struct {
	stack     []byte
	inString  bool
	escaped   bool
	lastComma int
	lastOpen  int
}

func scanJSON(s string) scanState {
	st := scanState{lastComma: -1, lastOpen: -1}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if st.inString {
			switch {
			case st.escaped:
				st.escaped = false
			case c == '\\':
				st.escaped = true
			case c == '"':
				st.inString = false
			}
			continue
		}

		switch c {
		case '"':
			st.inString = true
		case '{', '[':
			st.stack = append(st.stack, c)
			st.lastOpen = i
		case '}', ']':
			if len(st.stack) > 0 {
				st.stack = st.stack[:len(st.stack)-1]
			}
		case ',':
			st.lastComma = i
		}
	}
	return st
}

// closeJSON terminates an open string and closes every open container.
func closeJSON(s string) string {
	st := scanJSON(s)

	var sb strings.Builder
	if st.inString {
		if st.escaped {
			s = s[:len(s)-1]
		}
		sb.WriteString(s)
		sb.WriteByte('"')
	} else {
		s = strings.TrimRight(s, " \t\r\n")
		s = strings.TrimSuffix(s, ",")
		sb.WriteString(s)
		if strings.HasSuffix(s, ":") {
			sb.WriteString("null")
		}
	}

	for i := len(st.stack) - 1; i >= 0; i-- {
		if st.stack[i] == '{' {
			sb.WriteByte('}')
		} else {
			sb.WriteByte(']')
		}
	}
	return sb.String()
}

// trimToBoundary cuts s back to the last member separator or opening bracket.
func trimToBoundary(s string) string {
	st := scanJSON(s)

	cut := -1
	if st.lastComma > st.lastOpen {
		cut = st.lastComma
	} else if st.lastOpen >= 0 {
		cut = st.lastOpen + 1
	}
	if cut <= 0 || cut >= len(s) {
		return s[:len(s)-1]
	}
	return s[:cut]
}
