// Package validate performs static analysis of submitted scripts: syntactic
// rejection of denied constructs, advisory warnings, complexity
// classification and a duration estimate. It never executes page operations;
// runtime protection is the executor's restricted scope plus its timeout.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"modernc.org/quickjs"

	"github.com/browserd/browserd/internal/model"
)

type denyRule struct {
	re     *regexp.Regexp
	reason string
}

var denyRules = []denyRule{
	{regexp.MustCompile(`\beval\s*\(`), "dynamic eval is not allowed"},
	{regexp.MustCompile(`\bnew\s+Function\b`), "the Function constructor is not allowed"},
	{regexp.MustCompile(`\bFunction\s*\(`), "the Function constructor is not allowed"},
	{regexp.MustCompile(`\bimport\s*\(`), "dynamic import is not allowed"},
	{regexp.MustCompile(`(?m)^\s*import\s`), "module imports are not allowed"},
	{regexp.MustCompile(`\brequire\s*\(`), "require is not allowed"},
	{regexp.MustCompile(`\bprocess\b`), "process access is not allowed"},
	{regexp.MustCompile(`__proto__`), "prototype access is not allowed"},
	{regexp.MustCompile(`\bconstructor\s*\[`), "dynamic constructor access is not allowed"},
}

var (
	opCallRe     = regexp.MustCompile(`\bpage\s*\.\s*(\w+)\s*\(`)
	sleepRe      = regexp.MustCompile(`\bsleep\s*\(\s*(\d+)`)
	loopRe       = regexp.MustCompile(`\b(for|while)\s*\(`)
	funcRe       = regexp.MustCompile(`\bfunction\b|=>`)
	bigNumberRe  = regexp.MustCompile(`\b(\d{7,})\b`)
	fullPageRe   = regexp.MustCompile(`fullPage\s*:\s*true|screenshot\s*\(\s*true`)
	mainDeclRe   = regexp.MustCompile(`\basync\s+function\s+main\s*\(`)
	infiniteLoop = regexp.MustCompile(`while\s*\(\s*true\s*\)|for\s*\(\s*;\s*;\s*\)`)
)

// Validator checks scripts against the configured size limit.
type Validator struct {
	maxScriptSize int
}

func New(maxScriptSize int) *Validator {
	return &Validator{maxScriptSize: maxScriptSize}
}

// CheckRequest validates the full request body: boundary checks first, then
// script analysis. Returns a *model.ValidationError on rejection.
func (v *Validator) CheckRequest(req *model.ScriptRequest) (*model.ScriptAnalysis, error) {
	var reasons []string
	if req.Timeout < 10 || req.Timeout > 600 {
		reasons = append(reasons, fmt.Sprintf("timeout must be in 10..600 seconds, got %d", req.Timeout))
	}
	if req.Priority < 1 || req.Priority > 5 {
		reasons = append(reasons, fmt.Sprintf("priority must be in 1..5, got %d", req.Priority))
	}
	if len(reasons) > 0 {
		return nil, &model.ValidationError{Reasons: reasons}
	}

	analysis := v.Analyze(req.Script)
	if !analysis.Valid {
		return analysis, &model.ValidationError{Reasons: analysis.Errors}
	}
	return analysis, nil
}

// Analyze runs the full static analysis and never returns nil.
func (v *Validator) Analyze(script string) *model.ScriptAnalysis {
	a := &model.ScriptAnalysis{Complexity: "low"}

	if len(script) > v.maxScriptSize {
		a.Errors = append(a.Errors,
			fmt.Sprintf("script exceeds maximum size (%d > %d bytes)", len(script), v.maxScriptSize))
	}
	if strings.TrimSpace(script) == "" {
		a.Errors = append(a.Errors, "script must declare an async function named main")
		return a
	}

	for _, rule := range denyRules {
		if rule.re.MatchString(script) {
			a.Errors = append(a.Errors, rule.reason)
		}
	}

	if !mainDeclRe.MatchString(script) {
		a.Errors = append(a.Errors, "script must declare an async function named main")
	}

	// Syntax check only once the cheap scans pass.
	if len(a.Errors) == 0 {
		if err := checkSyntax(script); err != nil {
			a.Errors = append(a.Errors, fmt.Sprintf("syntax error: %v", err))
		}
	}

	ops := opCallRe.FindAllStringSubmatch(script, -1)
	a.OperationCount = len(ops)
	loops := len(loopRe.FindAllString(script, -1))
	funcs := len(funcRe.FindAllString(script, -1))

	if infiniteLoop.MatchString(script) {
		a.Warnings = append(a.Warnings, "unbounded loop detected")
	}
	if loopDepth(script) >= 3 {
		a.Warnings = append(a.Warnings, "deeply nested loops")
	}
	for _, m := range bigNumberRe.FindAllStringSubmatch(script, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1_000_000 {
			a.Warnings = append(a.Warnings, "very large numeric range")
			break
		}
	}
	var sleepMS int
	for _, m := range sleepRe.FindAllStringSubmatch(script, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			sleepMS += n
			if n > 10_000 {
				a.Warnings = append(a.Warnings, "long sleep detected")
			}
		}
	}
	if fullPageRe.MatchString(script) {
		a.Warnings = append(a.Warnings, "full-page screenshot is expensive")
	}
	if a.OperationCount > 50 {
		a.Warnings = append(a.Warnings, fmt.Sprintf("excessive operation count (%d)", a.OperationCount))
	}

	a.Complexity = classify(strings.Count(script, "\n")+1, loops, funcs, a.OperationCount)
	a.EstimatedDuration = estimateDuration(ops, sleepMS)
	a.Valid = len(a.Errors) == 0
	return a
}

// checkSyntax parses the script on a throwaway VM without executing any
// top-level code. Only genuine parse errors are reported; reference and
// runtime errors are the executor's concern.
func checkSyntax(script string) (err error) {
	vm, vmErr := quickjs.NewVM()
	if vmErr != nil {
		return fmt.Errorf("creating validation VM: %w", vmErr)
	}
	defer vm.Close()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script parse aborted: %v", r)
		}
	}()

	if _, compileErr := vm.Compile(script, quickjs.EvalGlobal); compileErr != nil {
		return compileErr
	}
	return nil
}

// loopDepth returns the maximum nesting depth of for/while loops, tracked
// over brace depth.
func loopDepth(script string) int {
	locs := loopRe.FindAllStringIndex(script, -1)
	if len(locs) == 0 {
		return 0
	}
	maxDepth := 0
	depth := 0
	var loopBraces []int
	braces := 0
	next := 0
	for i := 0; i < len(script); i++ {
		if next < len(locs) && i == locs[next][0] {
			depth++
			loopBraces = append(loopBraces, braces)
			if depth > maxDepth {
				maxDepth = depth
			}
			next++
		}
		switch script[i] {
		case '{':
			braces++
		case '}':
			braces--
			for len(loopBraces) > 0 && braces <= loopBraces[len(loopBraces)-1] {
				loopBraces = loopBraces[:len(loopBraces)-1]
				depth--
			}
		}
	}
	return maxDepth
}

func classify(lines, loops, funcs, ops int) string {
	score := lines + loops*10 + funcs*5 + ops*2
	switch {
	case score < 60:
		return "low"
	case score < 200:
		return "medium"
	default:
		return "high"
	}
}

// estimateDuration is an advisory linear model over detected operation
// classes. Used only for the estimated_wait field.
func estimateDuration(ops [][]string, sleepMS int) float64 {
	est := 5.0
	for _, m := range ops {
		switch m[1] {
		case "goto":
			est += 3
		case "screenshot":
			est += 2
		case "pdf":
			est += 5
		case "waitForSelector", "waitForLoadState", "waitForTimeout", "waitForURL":
			est += 2
		}
	}
	est += float64(sleepMS) / 1000.0
	return est
}
