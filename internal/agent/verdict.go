package agent

// VerdictKind is the category of an evaluator decision.
type VerdictKind int

const (
	VerdictAccept VerdictKind = iota
	VerdictRetry
	VerdictEscalate
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAccept:
		return "accept"
	case VerdictRetry:
		return "retry"
	case VerdictEscalate:
		return "escalate"
	}
	return "unknown"
}

// Verdict is the evaluator's decision about the latest output. Reason is the
// diagnostic for Retry, the clarification question for Escalate, and an
// optional note for Accept.
type Verdict struct {
	Kind   VerdictKind
	Reason string
}

func Accept() Verdict {
	return Verdict{Kind: VerdictAccept}
}

func Retry(reason string) Verdict {
	return Verdict{Kind: VerdictRetry, Reason: reason}
}

func Escalate(reason string) Verdict {
	return Verdict{Kind: VerdictEscalate, Reason: reason}
}

func (v Verdict) String() string {
	if v.Reason == "" {
		return v.Kind.String()
	}
	return v.Kind.String() + ": " + v.Reason
}
