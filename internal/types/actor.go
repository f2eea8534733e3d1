package types

import "fmt"

// ActorType identifies which kind of party performed an operation
type ActorType string

const (
	ActorBuyer  ActorType = "buyer"
	ActorSeller ActorType = "seller"
	ActorAdmin  ActorType = "admin"
	ActorSystem ActorType = "system"
)

// Valid reports whether t is one of the known actor types
func (t ActorType) Valid() bool {
	switch t {
	case ActorBuyer, ActorSeller, ActorAdmin, ActorSystem:
		return true
	}
	return false
}

// Actor is the acting party of an operation. It is always passed explicitly.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// SystemActor is used by background jobs and collaborator callbacks
func SystemActor(component string) Actor {
	return Actor{Type: ActorSystem, ID: component}
}

func (a Actor) String() string {
	return fmt.Sprintf("%s:%s", a.Type, a.ID)
}
