// Package tenant defines the immutable actor and tenant context values that
// accompany every authorization decision and audit event. Construction
// validates; nothing here performs I/O.
package tenant

import "fmt"

// ActorType classifies the entity behind a request.
type ActorType string

const (
	ActorHuman        ActorType = "human"
	ActorService      ActorType = "service"
	ActorAutomatedApp ActorType = "automated-app"
)

// Valid reports whether t is one of the known actor types.
func (t ActorType) Valid() bool {
	switch t {
	case ActorHuman, ActorService, ActorAutomatedApp:
		return true
	}
	return false
}

// Origin identifies the channel a request arrived through.
type Origin string

const (
	OriginCLI               Origin = "cli"
	OriginWeb               Origin = "web"
	OriginAPI               Origin = "api"
	OriginAutomatedWorkflow Origin = "automated-workflow"
	OriginWebhook           Origin = "webhook"
)

// Valid reports whether o is one of the known origin channels.
func (o Origin) Valid() bool {
	switch o {
	case OriginCLI, OriginWeb, OriginAPI, OriginAutomatedWorkflow, OriginWebhook:
		return true
	}
	return false
}

// ValidationError reports a rejected context construction. Constructors never
// silently coerce invalid input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tenant: invalid %s: %s", e.Field, e.Reason)
}

// ActorContext describes who is acting. Immutable once constructed.
type ActorContext struct {
	ID          string
	Type        ActorType
	Origin      Origin
	DisplayName string
	Email       string
}

// NewActorContext validates and builds an ActorContext.
func NewActorContext(id string, typ ActorType, origin Origin) (ActorContext, error) {
	if id == "" {
		return ActorContext{}, &ValidationError{Field: "actor id", Reason: "must not be empty"}
	}
	if !typ.Valid() {
		return ActorContext{}, &ValidationError{Field: "actor type", Reason: fmt.Sprintf("unknown type %q", typ)}
	}
	if !origin.Valid() {
		return ActorContext{}, &ValidationError{Field: "origin", Reason: fmt.Sprintf("unknown origin %q", origin)}
	}
	return ActorContext{ID: id, Type: typ, Origin: origin}, nil
}

// NewCLIActor builds a human actor operating through the interactive CLI.
func NewCLIActor(id string) (ActorContext, error) {
	return NewActorContext(id, ActorHuman, OriginCLI)
}

// NewServiceActor builds a service-account actor calling through the API.
func NewServiceActor(id string) (ActorContext, error) {
	return NewActorContext(id, ActorService, OriginAPI)
}

// NewAppActor builds an installed platform-app actor driven by an
// automated workflow.
func NewAppActor(id string) (ActorContext, error) {
	return NewActorContext(id, ActorAutomatedApp, OriginAutomatedWorkflow)
}

// Is reports whether the actor is of the given type. Exists to keep
// policy-adjacent call sites readable; no side effects.
func (a ActorContext) Is(t ActorType) bool { return a.Type == t }

// From reports whether the request originated from the given channel.
func (a ActorContext) From(o Origin) bool { return a.Origin == o }
