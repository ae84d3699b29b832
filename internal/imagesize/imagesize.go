// Package imagesize maps operator size tokens onto the pixel dimensions the
// image API accepts.
package imagesize

import "strings"

// Class is one of the three output shapes the API can render.
type Class int

const (
	Square Class = iota
	Landscape
	Portrait
)

// Default is the token used when the operator leaves the size blank.
const Default = "standard"

var tokens = map[string]Class{
	"s":         Square,
	"standard":  Square,
	"square":    Square,
	"l":         Landscape,
	"landscape": Landscape,
	"16:9":      Landscape,
	"land":      Landscape,
	"p":         Portrait,
	"portrait":  Portrait,
	"9:16":      Portrait,
	"port":      Portrait,
}

// Lookup resolves a token strictly. The boolean is false for anything not in
// the recognized set, including the empty string.
func Lookup(token string) (Class, bool) {
	c, ok := tokens[strings.ToLower(strings.TrimSpace(token))]
	return c, ok
}

// Parse resolves a token permissively: unrecognized input is Square.
func Parse(token string) Class {
	if c, ok := Lookup(token); ok {
		return c
	}
	return Square
}

// Dimensions is shorthand for Parse(token).Dimensions().
func Dimensions(token string) string {
	return Parse(token).Dimensions()
}

// Dimensions returns the WIDTHxHEIGHT string for the class.
func (c Class) Dimensions() string {
	switch c {
	case Landscape:
		return "1792x1024"
	case Portrait:
		return "1024x1792"
	default:
		return "1024x1024"
	}
}

func (c Class) String() string {
	switch c {
	case Landscape:
		return "landscape"
	case Portrait:
		return "portrait"
	default:
		return "square"
	}
}
