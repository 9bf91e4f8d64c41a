// Package policy implements the pure, synchronous policy evaluation engine.
// Evaluation never performs I/O; the only write is atomic replacement of the
// loaded document, so concurrent evaluations need no synchronization.
package policy

// Class is the coarse capability tier a tool declares. It determines default
// behavior in the absence of a matching rule and is the single most
// important classification in the system.
type Class string

const (
	ClassRead                Class = "READ"
	ClassWriteNonDestructive Class = "WRITE_NON_DESTRUCTIVE"
	ClassDestructive         Class = "DESTRUCTIVE"
)

// Valid reports whether c is a known policy class.
func (c Class) Valid() bool {
	switch c {
	case ClassRead, ClassWriteNonDestructive, ClassDestructive:
		return true
	}
	return false
}

// ReasonCode explains a policy decision. The set is closed; audit consumers
// switch on these values.
type ReasonCode string

const (
	ReasonAllowPolicyMatch          ReasonCode = "ALLOW_POLICY_MATCH"
	ReasonDenyPolicyMatch           ReasonCode = "DENY_POLICY_MATCH"
	ReasonAllowReadDefault          ReasonCode = "ALLOW_READ_DEFAULT"
	ReasonDenyNoPolicy              ReasonCode = "DENY_NO_POLICY"
	ReasonDenyDestructiveNoApproval ReasonCode = "DENY_DESTRUCTIVE_NO_APPROVAL"
)

// classDefault returns the fail-closed decision for a request no rule
// matched. The switch is exhaustive over Class; adding a class without
// updating this table is a compile-time visible gap in review and a runtime
// deny.
func classDefault(c Class, hasApproval bool) Decision {
	switch c {
	case ClassRead:
		return Decision{Allowed: true, ReasonCode: ReasonAllowReadDefault}
	case ClassWriteNonDestructive:
		return Decision{Allowed: false, ReasonCode: ReasonDenyNoPolicy}
	case ClassDestructive:
		if !hasApproval {
			return Decision{Allowed: false, ReasonCode: ReasonDenyDestructiveNoApproval}
		}
		// An approval attests that a human signed off; it never substitutes
		// for a policy grant.
		return Decision{Allowed: false, ReasonCode: ReasonDenyNoPolicy}
	default:
		return Decision{Allowed: false, ReasonCode: ReasonDenyNoPolicy}
	}
}
