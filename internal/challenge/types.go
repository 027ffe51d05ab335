// Package challenge detects anti-bot interstitials on a live page and drives
// them to completion through a prioritized chain of strategies.
package challenge

import (
	"github.com/Rorqualx/grubcrawl/internal/types"
)

// Type identifies the class of interstitial.
type Type string

// Challenge types.
const (
	TypeNone         Type = "none"
	TypeTurnstile    Type = "turnstile"
	TypeJavaScript   Type = "js_challenge"
	TypeBrowserCheck Type = "browser_check"
	TypeManaged      Type = "managed"
)

// ParseType converts a rule-table type name. Unknown names map to js_challenge.
func ParseType(s string) Type {
	switch Type(s) {
	case TypeTurnstile, TypeBrowserCheck, TypeManaged, TypeNone:
		return Type(s)
	default:
		return TypeJavaScript
	}
}

// SolverEligible reports whether the external solver may be tried for t.
func (t Type) SolverEligible() bool {
	return t == TypeTurnstile || t == TypeManaged
}

// Method records which stage resolved the challenge.
type Method string

// Resolution methods.
const (
	MethodNone             Method = "none"
	MethodAutoResolve      Method = "auto_resolve"
	MethodClick            Method = "click"
	MethodCapSolver        Method = "capsolver"
	MethodCapSolverManaged Method = "capsolver_managed"
)

// Detection is the outcome of one Detect call.
type Detection struct {
	Detected      bool    `json:"detected"`
	Type          Type    `json:"type"`
	Confidence    float64 `json:"confidence"`
	MatchedSignal string  `json:"matchedSignal,omitempty"`
}

// ReplacementSession is a browser context and page created during
// resolution that supersedes the page passed to Resolve. The caller owns
// both and must close them.
type ReplacementSession struct {
	Context types.BrowserContext
	Page    types.Page
}

// Result is the outcome of Resolve.
type Result struct {
	Resolved    bool                `json:"resolved"`
	Type        Type                `json:"type"`
	Method      Method              `json:"method"`
	WaitedMs    int64               `json:"waitedMs"`
	Error       string              `json:"error,omitempty"`
	Replacement *ReplacementSession `json:"-"`
}
