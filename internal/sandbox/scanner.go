package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// Violation is a pre-execution rejection from the security scanner.
// A rejected request never reaches the resource governor: no limits are
// installed, no process is spawned, no tool call is made.
type Violation struct {
	MatchedPattern string `json:"matched_pattern"`
	Message        string `json:"message"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("security violation: %s (matched %q)", v.Message, v.MatchedPattern)
}

// denyPattern is one entry of the scanner deny-list.
type denyPattern struct {
	pattern string // lowercase substring matched against lowercase source
	message string
}

// denyList covers dynamic evaluation, ambient I/O, process and network
// primitives, and interpreter internals. Matching is lexical and
// case-insensitive; false positives are acceptable, silent misses are not.
var denyList = []denyPattern{
	// Dynamic code evaluation.
	{"eval(", "dynamic evaluation is not allowed"},
	{"exec(", "dynamic execution is not allowed"},
	{"compile(", "dynamic compilation is not allowed"},
	{"__import__", "dynamic import is not allowed"},
	{"importlib", "dynamic import is not allowed"},

	// Ambient filesystem I/O.
	{"open(", "direct file access is not allowed; use fetch_records or run_query"},
	{"file(", "direct file access is not allowed"},
	{"input(", "interactive input is not available in the sandbox"},

	// Process and network primitives.
	{"os.system", "spawning processes is not allowed"},
	{"subprocess", "spawning processes is not allowed"},
	{"popen", "spawning processes is not allowed"},
	{"fork(", "spawning processes is not allowed"},
	{"socket", "network access is not allowed"},
	{"urllib", "network access is not allowed"},
	{"requests.", "network access is not allowed"},
	{"http.client", "network access is not allowed"},

	// Interpreter and framework internals.
	{"__builtins__", "tampering with interpreter internals is not allowed"},
	{"__globals__", "tampering with interpreter internals is not allowed"},
	{"__subclasses__", "tampering with interpreter internals is not allowed"},
	{"__bases__", "tampering with interpreter internals is not allowed"},
	{"setattr(sys", "tampering with interpreter internals is not allowed"},
	{"set_user(", "changing the session user is not allowed"},
	{"db.commit", "writing to the platform database is not allowed"},
	{"db.set_value", "writing to the platform database is not allowed"},
	{"db.delete", "writing to the platform database is not allowed"},
}

// sqlMutationKeywords are rejected when found as standalone words inside any
// string literal of the submitted code (embedded query screening).
var sqlMutationKeywords = []string{
	"delete", "drop", "insert", "update", "alter",
	"create", "truncate", "exec",
}

var (
	// Single- and double-quoted literals, including triple-quoted blocks.
	stringLiteralRe = regexp.MustCompile(`(?s)'''.*?'''|""".*?"""|'[^'\n]*'|"[^"\n]*"`)

	sqlKeywordRes = compileKeywordPatterns(sqlMutationKeywords)
)

func compileKeywordPatterns(keywords []string) map[string]*regexp.Regexp {
	res := make(map[string]*regexp.Regexp, len(keywords))
	for _, kw := range keywords {
		res[kw] = regexp.MustCompile(`(?i)\b` + kw + `\b`)
	}
	return res
}

// Scanner screens submitted source against the deny-list before any
// execution resource is allocated.
//
// This is a defense-in-depth layer, not a guarantee: pure lexical scanning
// cannot catch every obfuscation (string concatenation, encodings). The
// restricted execution namespace and the process-level sandbox enforce the
// real boundary; the scanner exists to fail obvious abuse fast and cheap.
type Scanner struct {
	deny []denyPattern
}

// NewScanner creates a scanner with the default deny-list.
func NewScanner() *Scanner {
	return &Scanner{deny: denyList}
}

// Scan returns a Violation if the source matches any deny-listed construct,
// nil otherwise.
func (s *Scanner) Scan(code string) *Violation {
	lower := strings.ToLower(code)

	for _, d := range s.deny {
		if strings.Contains(lower, d.pattern) {
			return &Violation{
				MatchedPattern: d.pattern,
				Message:        d.message,
			}
		}
	}

	// Screen string literals for embedded mutating SQL.
	for _, lit := range stringLiteralRe.FindAllString(code, -1) {
		for _, kw := range sqlMutationKeywords {
			if sqlKeywordRes[kw].MatchString(lit) {
				return &Violation{
					MatchedPattern: kw,
					Message:        fmt.Sprintf("embedded query contains mutating keyword %q; only read statements are allowed", strings.ToUpper(kw)),
				}
			}
		}
		// Statement chaining inside an embedded query.
		if looksLikeSQL(lit) && strings.Contains(strings.TrimRight(strings.Trim(lit, `'"`), "; \t"), ";") {
			return &Violation{
				MatchedPattern: ";",
				Message:        "embedded query contains a statement separator; submit one statement at a time",
			}
		}
	}

	return nil
}

// looksLikeSQL is a cheap heuristic for "this literal is a query".
func looksLikeSQL(lit string) bool {
	lower := strings.ToLower(lit)
	return strings.Contains(lower, "select") || strings.Contains(lower, "from ")
}
